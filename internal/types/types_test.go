package types

import (
	"errors"
	"testing"
)

func TestCanonicalColumnType_Aliases(t *testing.T) {
	cases := map[string]ColumnType{
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
		"INT":     ColumnInteger,
	}
	for token, want := range cases {
		got, err := CanonicalColumnType(token)
		if err != nil {
			t.Fatalf("CanonicalColumnType(%q) error: %v", token, err)
		}
		if got != want {
			t.Errorf("CanonicalColumnType(%q) = %v, want %v", token, got, want)
		}
	}
}

func TestCanonicalColumnType_Unknown(t *testing.T) {
	_, err := CanonicalColumnType("wat")
	if !errors.Is(err, ErrUnknownColumnType) {
		t.Errorf("expected ErrUnknownColumnType, got %v", err)
	}
}

func TestValidateID_ValidStrings(t *testing.T) {
	for _, id := range []string{"a", "abc-123", "user_1", "日本語"} {
		if _, err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) unexpected error: %v", id, err)
		}
	}
}

func TestValidateID_InvalidStrings(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", "a\\b", `a"b`, "a`b", "a+b", "a?b", "a\nb"} {
		if _, err := ValidateID(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestValidateID_Integers(t *testing.T) {
	if _, err := ValidateID(int64(5)); err != nil {
		t.Errorf("ValidateID(5) unexpected error: %v", err)
	}
	if _, err := ValidateID(int64(0)); !errors.Is(err, ErrInvalidID) {
		t.Error("ValidateID(0) expected ErrInvalidID")
	}
	if _, err := ValidateID(int64(-1)); !errors.Is(err, ErrInvalidID) {
		t.Error("ValidateID(-1) expected ErrInvalidID")
	}
}

func TestValidateID_FloatIntegral(t *testing.T) {
	if _, err := ValidateID(float64(5)); err != nil {
		t.Errorf("ValidateID(5.0) unexpected error: %v", err)
	}
	if _, err := ValidateID(5.5); !errors.Is(err, ErrInvalidID) {
		t.Error("ValidateID(5.5) expected ErrInvalidID")
	}
}

func TestIDString(t *testing.T) {
	if IDString("abc") != "abc" {
		t.Error("IDString(string) mismatch")
	}
	if IDString(int64(42)) != "42" {
		t.Error("IDString(int64) mismatch")
	}
}
