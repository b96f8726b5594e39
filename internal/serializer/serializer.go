// Package serializer is the only place that crosses the boundary
// between a Record's typed-but-dynamic column values and the embedded
// store's narrow scalar domain (TEXT/INTEGER/REAL/BLOB).
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/offlinesync/tablesync/internal/types"
	"github.com/tidwall/gjson"
)

// ErrTypeMismatch is returned when a value cannot be coerced to a
// column's declared type.
var ErrTypeMismatch = errors.New("serializer: type mismatch")

// Encode converts a typed column value into the scalar form the store
// writes to a prepared statement parameter.
func Encode(ct types.ColumnType, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch ct {
	case types.ColumnString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: column type string got %T", ErrTypeMismatch, value)
		}
		return s, nil

	case types.ColumnInteger:
		return encodeInteger(value)

	case types.ColumnReal:
		return encodeReal(value)

	case types.ColumnBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: column type boolean got %T", ErrTypeMismatch, value)
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil

	case types.ColumnDate:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: column type date got %T", ErrTypeMismatch, value)
		}
		return types.Instant(t).UnixMilli(), nil

	case types.ColumnObject, types.ColumnArray:
		return encodeJSONBlob(ct, value)

	default:
		return nil, fmt.Errorf("%w: unknown column type %q", ErrTypeMismatch, ct)
	}
}

func encodeInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("%w: non-integral value %v for integer column", ErrTypeMismatch, v)
		}
		return int64(v), nil
	default:
		return nil, fmt.Errorf("%w: column type integer got %T", ErrTypeMismatch, value)
	}
}

func encodeReal(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return nil, fmt.Errorf("%w: column type real got %T", ErrTypeMismatch, value)
	}
}

func encodeJSONBlob(ct types.ColumnType, value any) (any, error) {
	if s, ok := value.(string); ok && gjson.Valid(s) {
		// Already-encoded JSON text (e.g. a value round-tripped from pull).
		if err := checkShape(ct, s); err != nil {
			return nil, err
		}
		return s, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s column: %v", ErrTypeMismatch, ct, err)
	}
	if err := checkShape(ct, string(raw)); err != nil {
		return nil, err
	}
	return string(raw), nil
}

func checkShape(ct types.ColumnType, raw string) error {
	res := gjson.Parse(raw)
	switch ct {
	case types.ColumnObject:
		if !res.IsObject() {
			return fmt.Errorf("%w: object column requires a JSON object, got %s", ErrTypeMismatch, res.Type)
		}
	case types.ColumnArray:
		if !res.IsArray() {
			return fmt.Errorf("%w: array column requires a JSON array, got %s", ErrTypeMismatch, res.Type)
		}
	}
	return nil
}

// Decode converts a scalar value read back from the store into its
// declared column type.
func Decode(ct types.ColumnType, stored any) (any, error) {
	if stored == nil {
		return nil, nil
	}
	switch ct {
	case types.ColumnString:
		return asString(stored)

	case types.ColumnInteger:
		return asInt64(stored)

	case types.ColumnReal:
		return asFloat64(stored)

	case types.ColumnBoolean:
		n, err := asInt64(stored)
		if err != nil {
			return nil, err
		}
		return n != 0, nil

	case types.ColumnDate:
		millis, err := asInt64(stored)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(millis).UTC(), nil

	case types.ColumnObject, types.ColumnArray:
		s, err := asString(stored)
		if err != nil {
			return nil, err
		}
		if !gjson.Valid(s) {
			return nil, fmt.Errorf("%w: stored %s column is not valid JSON", ErrTypeMismatch, ct)
		}
		return gjson.Parse(s).Value(), nil

	default:
		return nil, fmt.Errorf("%w: unknown column type %q", ErrTypeMismatch, ct)
	}
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("%w: expected string-compatible value, got %T", ErrTypeMismatch, v)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: expected integer-compatible value, got %T", ErrTypeMismatch, v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: expected numeric value, got %T", ErrTypeMismatch, v)
	}
}
