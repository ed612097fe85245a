package ndc

import (
	"fmt"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"00071015623", "00071-0156-23"},
		{"0071015623", "00071-0156-23"},
		{"00071-0156-23", "00071-0156-23"},
		{"0071-0156-23", "00071-0156-23"},
		{"00071-156-23", "00071-0156-23"},
		{"00071-0156-3", "00071-0156-03"},
		{" 68180-0513-01 ", "68180-0513-01"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{"", "123", "abcdefghijk", "0007-10156-23", "00071-0156", "1234567890123", "00071-01a6-23"} {
		if _, err := Normalize(in); err == nil {
			t.Errorf("Normalize(%q) should fail", in)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	// Sweep a spread of 10- and 11-digit numeric codes
	for i := 0; i < 2000; i++ {
		n := int64(i) * 4999999
		for _, code := range []string{fmt.Sprintf("%010d", n%10_000_000_000), fmt.Sprintf("%011d", n*7)} {
			once, err := Normalize(code)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", code, err)
			}
			twice, err := Normalize(once)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", once, err)
			}
			if once != twice {
				t.Fatalf("not idempotent: %q -> %q -> %q", code, once, twice)
			}
			if !IsCanonical(once) {
				t.Fatalf("%q is not canonical", once)
			}
		}
	}
}

func TestPackageValidate(t *testing.T) {
	ok := Package{Code: "00071-0156-23", SizeQuantity: 30}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := Package{Code: "0071015623", SizeQuantity: 30}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for non-canonical code")
	}
	fixed, err := bad.Canonicalize()
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if fixed.Code != "00071-0156-23" || bad.Code != "0071015623" {
		t.Errorf("canonicalize should copy: got %q, original %q", fixed.Code, bad.Code)
	}
}
