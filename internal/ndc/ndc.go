// Package ndc provides the package model and canonical NDC package-code handling.
// Canonical codes are 11 digits in a 5-4-2 dashed layout (NNNNN-NNNN-NN).
package ndc

import (
	"fmt"
	"regexp"
	"strings"
)

var canonicalPattern = regexp.MustCompile(`^\d{5}-\d{4}-\d{2}$`)

// IsCanonical reports whether code is already in NNNNN-NNNN-NN form
func IsCanonical(code string) bool {
	return canonicalPattern.MatchString(code)
}

// Normalize converts a 10- or 11-digit package code, dashed or not, to the
// canonical 5-4-2 layout. Dashed 10-digit codes in 4-4-2, 5-3-2 or 5-4-1 layouts
// are padded in the short segment; undashed 10-digit codes are padded on the
// labeler segment.
func Normalize(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty package code")
	}

	if strings.Contains(code, "-") {
		parts := strings.Split(code, "-")
		if len(parts) != 3 {
			return "", fmt.Errorf("package code %q must have three segments", code)
		}
		for _, p := range parts {
			if p == "" || !isDigits(p) {
				return "", fmt.Errorf("package code %q has a non-numeric segment", code)
			}
		}
		digits := len(parts[0]) + len(parts[1]) + len(parts[2])
		switch {
		case digits == 11 && len(parts[0]) == 5 && len(parts[1]) == 4:
			return code, nil
		case digits == 10 && len(parts[0]) == 4 && len(parts[1]) == 4 && len(parts[2]) == 2:
			return "0" + code, nil
		case digits == 10 && len(parts[0]) == 5 && len(parts[1]) == 3 && len(parts[2]) == 2:
			return parts[0] + "-0" + parts[1] + "-" + parts[2], nil
		case digits == 10 && len(parts[0]) == 5 && len(parts[1]) == 4 && len(parts[2]) == 1:
			return parts[0] + "-" + parts[1] + "-0" + parts[2], nil
		default:
			return "", fmt.Errorf("package code %q has an unsupported segment layout", code)
		}
	}

	if !isDigits(code) {
		return "", fmt.Errorf("package code %q is not numeric", code)
	}
	switch len(code) {
	case 11:
		return split(code), nil
	case 10:
		return split("0" + code), nil
	default:
		return "", fmt.Errorf("package code %q must have 10 or 11 digits", code)
	}
}

// Digits returns the 11-digit undashed form of a code
func Digits(code string) (string, error) {
	c, err := Normalize(code)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(c, "-", ""), nil
}

func split(d string) string {
	return d[:5] + "-" + d[5:9] + "-" + d[9:]
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
