// Package types defines the scalar domain, record shape, and id rules
// shared by every layer of the sync engine: the serializer, the schema
// registry, the local table store, the query translator, and the sync
// context all operate on these types.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType is one of the scalar types a table column may declare.
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnInteger ColumnType = "integer"
	ColumnReal    ColumnType = "real"
	ColumnBoolean ColumnType = "boolean"
	ColumnDate    ColumnType = "date"
	ColumnObject  ColumnType = "object"
	ColumnArray   ColumnType = "array"
)

// columnTypeAliases maps the tokens accepted by defineTable to their
// canonical ColumnType, per spec.md §6.
var columnTypeAliases = map[string]ColumnType{
	"string":  ColumnString,
	"text":    ColumnString,
	"integer": ColumnInteger,
	"int":     ColumnInteger,
	"real":    ColumnReal,
	"float":   ColumnReal,
	"boolean": ColumnBoolean,
	"bool":    ColumnBoolean,
	"date":    ColumnDate,
	"object":  ColumnObject,
	"array":   ColumnArray,
}

// ErrUnknownColumnType is returned by CanonicalColumnType for an unrecognized token.
var ErrUnknownColumnType = errors.New("types: unknown column type")

// CanonicalColumnType resolves an accepted type token (including aliases
// like "int" or "bool") to its single canonical ColumnType.
func CanonicalColumnType(token string) (ColumnType, error) {
	ct, ok := columnTypeAliases[strings.ToLower(token)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownColumnType, token)
	}
	return ct, nil
}

// Record is a mapping from column name to a typed scalar value. System
// columns (createdAt, updatedAt, version, deleted), when present,
// follow the same column-name convention as any other column.
type Record map[string]any

// IDColumn is the mandatory primary-key column name for every table.
const IDColumn = "id"

// System column names, per spec.md §3.
const (
	ColumnCreatedAt = "createdAt"
	ColumnUpdatedAt = "updatedAt"
	ColumnVersion   = "version"
	ColumnDeleted   = "deleted"
)

// ErrInvalidID is returned when a record's id violates the id rules of spec.md §3/§6.
var ErrInvalidID = errors.New("types: invalid id")

// reservedIDTokens are string ids that are never valid, regardless of
// otherwise-legal characters.
var reservedIDTokens = map[string]bool{
	".":  true,
	"..": true,
}

// forbiddenIDChars are characters disallowed anywhere in a string id.
const forbiddenIDChars = `+?\/"` + "`"

// ValidateID checks an id value against spec.md's id rules: a non-empty
// printable string free of control characters and the listed forbidden
// characters and reserved tokens, or a positive integer. Returns the
// normalized id (a string unchanged; an int, int64 or integral float64
// as int64) or ErrInvalidID.
func ValidateID(id any) (any, error) {
	switch v := id.(type) {
	case string:
		if err := validateStringID(v); err != nil {
			return nil, err
		}
		return v, nil
	case int:
		return validateIntID(int64(v))
	case int64:
		return validateIntID(v)
	case float64:
		// JSON-decoded integers frequently arrive as float64.
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("%w: non-integral numeric id %v", ErrInvalidID, v)
		}
		return validateIntID(int64(v))
	default:
		return nil, fmt.Errorf("%w: unsupported id type %T", ErrInvalidID, id)
	}
}

func validateIntID(v int64) (any, error) {
	if v <= 0 {
		return nil, fmt.Errorf("%w: integer id must be positive, got %d", ErrInvalidID, v)
	}
	return v, nil
}

func validateStringID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty string", ErrInvalidID)
	}
	if reservedIDTokens[s] {
		return fmt.Errorf("%w: reserved token %q", ErrInvalidID, s)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in %q", ErrInvalidID, s)
		}
		if strings.ContainsRune(forbiddenIDChars, r) {
			return fmt.Errorf("%w: forbidden character %q in %q", ErrInvalidID, string(r), s)
		}
	}
	return nil
}

// IDString renders an id (string or integer) as its canonical string
// form, used for case-insensitive comparisons and as a map key.
func IDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Instant rounds a time.Time (in UTC) to millisecond precision, the
// resolution of the "date" column type.
func Instant(t time.Time) time.Time {
	return t.UTC().Round(time.Millisecond)
}
