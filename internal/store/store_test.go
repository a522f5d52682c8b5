package store

import (
	"errors"
	"testing"
)

// TestValueInt tests the integer parse rules for raw store values
func TestValueInt(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{`42`, 42, false},
		{` 7 `, 7, false},
		{`-3`, -3, false},
		{`42.0`, 42, false},
		{`"55"`, 55, false},
		{`" 12 "`, 12, false},
		{`1712345678`, 1712345678, false},
		{`42.5`, 0, true},
		{`"4x"`, 0, true},
		{`true`, 0, true},
		{`{"v":1}`, 0, true},
		{`[1]`, 0, true},
		{``, 0, true},
		{`42abc`, 0, true},
		{`42 43`, 0, true},
		{`42}`, 0, true},
		{`"42" 1`, 0, true},
	}

	for _, tt := range tests {
		got, err := Value(tt.raw).Int()
		if tt.wantErr {
			if !errors.Is(err, ErrParse) {
				t.Errorf("Int(%q) expected ErrParse, got %v", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Int(%q) failed: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Int(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestValueIsNull(t *testing.T) {
	if !Value("null").IsNull() || !Value("").IsNull() || !Value(" null\n").IsNull() {
		t.Error("Expected null values to report IsNull")
	}
	if Value("0").IsNull() {
		t.Error("Zero is not null")
	}
}

func TestEncodeBool(t *testing.T) {
	v, err := Encode(true)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := v.Bool()
	if err != nil || !b {
		t.Errorf("Bool mismatch: got %v, %v", b, err)
	}
}
