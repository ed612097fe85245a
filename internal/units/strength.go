package units

import (
	"regexp"
	"strconv"
	"strings"
)

// StrengthForm describes how a strength string is expressed
type StrengthForm int

const (
	StrengthUnrecognized StrengthForm = iota
	// StrengthPerUnit is mass per dosage unit, e.g. "10 MG" or "0.05 MG/ACTUAT"
	StrengthPerUnit
	// StrengthConcentration is mass per volume, e.g. "250 MG/5 ML"
	StrengthConcentration
)

// Strength is a parsed drug strength normalized to milligrams and milliliters
type Strength struct {
	Form     StrengthForm
	MassMg   float64
	VolumeML float64 // zero unless Form is StrengthConcentration
	Raw      string
}

// MgPerML returns the concentration in mg/mL, or zero for non-concentrations
func (s Strength) MgPerML() float64 {
	if s.Form != StrengthConcentration || s.VolumeML <= 0 {
		return 0
	}
	return s.MassMg / s.VolumeML
}

var strengthPattern = regexp.MustCompile(
	`(?i)(\d+(?:\.\d+)?)\s*(mcg|µg|ug|mg|gm|g|kg)\b(?:\s*(?:/|per)\s*(\d+(?:\.\d+)?)?\s*([a-zµ]+))?`)

// ParseStrength parses the first mass strength found in s. Combination products
// ("10 MG / 12.5 MG") yield the first component.
func ParseStrength(s string) (Strength, bool) {
	m := strengthPattern.FindStringSubmatch(s)
	if m == nil {
		return Strength{Raw: s}, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return Strength{Raw: s}, false
	}
	mass, err := ToMilligrams(value, m[2])
	if err != nil {
		return Strength{Raw: s}, false
	}

	denomUnit := strings.ToLower(m[4])
	// A mass or count denominator ("/12.5 MG", "/ACTUAT") is not a rate
	if !IsVolume(denomUnit) {
		return Strength{Form: StrengthPerUnit, MassMg: mass, Raw: s}, true
	}

	denom := 1.0
	if m[3] != "" {
		denom, err = strconv.ParseFloat(m[3], 64)
		if err != nil || denom <= 0 {
			return Strength{Raw: s}, false
		}
	}
	volume, err := ToMilliliters(denom, denomUnit)
	if err != nil {
		return Strength{Raw: s}, false
	}

	return Strength{Form: StrengthConcentration, MassMg: mass, VolumeML: volume, Raw: s}, true
}

var embeddedStrength = regexp.MustCompile(
	`(?i)\d+(?:\.\d+)?\s*(?:mcg|mg|g|ml|meq|unt|units?)(?:\s*/\s*\d*(?:\.\d+)?\s*(?:ml|l|actuat|hr|mg|g))?\b`)

// ExtractStrength returns the first strength-like token in a display name such as
// "lisinopril 10 MG Oral Tablet", upper-cased as RxNorm renders it.
func ExtractStrength(name string) string {
	loc := embeddedStrength.FindString(name)
	if loc == "" {
		return ""
	}
	return strings.ToUpper(strings.Join(strings.Fields(loc), " "))
}
