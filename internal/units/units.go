// Package units converts doses, strengths and concentrations across tablet,
// capsule, mass and volume units. All functions are pure.
package units

import (
	"fmt"
	"strings"
)

// Kind is the dimension a unit measures
type Kind int

const (
	KindUnknown Kind = iota
	KindCount
	KindMass
	KindVolume
)

func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindMass:
		return "mass"
	case KindVolume:
		return "volume"
	default:
		return "unknown"
	}
}

// Unit is a canonical unit symbol
type Unit string

const (
	Tablet     Unit = "tablet"
	Capsule    Unit = "capsule"
	Microgram  Unit = "mcg"
	Milligram  Unit = "mg"
	Gram       Unit = "g"
	Kilogram   Unit = "kg"
	Milliliter Unit = "mL"
	Liter      Unit = "L"
)

type unitInfo struct {
	unit   Unit
	kind   Kind
	factor float64 // to mg for mass, to mL for volume, 1 for counts
}

var aliases = map[string]unitInfo{
	"tablet":   {Tablet, KindCount, 1},
	"tablets":  {Tablet, KindCount, 1},
	"tab":      {Tablet, KindCount, 1},
	"tabs":     {Tablet, KindCount, 1},
	"capsule":  {Capsule, KindCount, 1},
	"capsules": {Capsule, KindCount, 1},
	"cap":      {Capsule, KindCount, 1},
	"caps":     {Capsule, KindCount, 1},

	"mcg":        {Microgram, KindMass, 0.001},
	"ug":         {Microgram, KindMass, 0.001},
	"µg":         {Microgram, KindMass, 0.001},
	"microgram":  {Microgram, KindMass, 0.001},
	"micrograms": {Microgram, KindMass, 0.001},
	"mg":         {Milligram, KindMass, 1},
	"milligram":  {Milligram, KindMass, 1},
	"milligrams": {Milligram, KindMass, 1},
	"g":          {Gram, KindMass, 1000},
	"gm":         {Gram, KindMass, 1000},
	"gram":       {Gram, KindMass, 1000},
	"grams":      {Gram, KindMass, 1000},
	"kg":         {Kilogram, KindMass, 1_000_000},

	"ml":          {Milliliter, KindVolume, 1},
	"milliliter":  {Milliliter, KindVolume, 1},
	"milliliters": {Milliliter, KindVolume, 1},
	"cc":          {Milliliter, KindVolume, 1},
	"l":           {Liter, KindVolume, 1000},
	"liter":       {Liter, KindVolume, 1000},
	"liters":      {Liter, KindVolume, 1000},
	"tsp":         {Milliliter, KindVolume, 5},
	"teaspoon":    {Milliliter, KindVolume, 5},
	"tbsp":        {Milliliter, KindVolume, 15},
	"tablespoon":  {Milliliter, KindVolume, 15},
}

func lookup(s string) (unitInfo, bool) {
	info, ok := aliases[strings.ToLower(strings.TrimSpace(s))]
	return info, ok
}

// Normalize maps a free-form unit string to its canonical unit and kind
func Normalize(s string) (Unit, Kind, bool) {
	info, ok := lookup(s)
	if !ok {
		return "", KindUnknown, false
	}
	return info.unit, info.kind, true
}

// KindOf returns the dimension of a unit string
func KindOf(s string) Kind {
	info, ok := lookup(s)
	if !ok {
		return KindUnknown
	}
	return info.kind
}

// IsSolid reports whether the unit is a solid dosage count (tablet or capsule)
func IsSolid(s string) bool {
	return KindOf(s) == KindCount
}

// IsVolume reports whether the unit measures volume
func IsVolume(s string) bool {
	return KindOf(s) == KindVolume
}

// IsMass reports whether the unit measures mass
func IsMass(s string) bool {
	return KindOf(s) == KindMass
}

// ToMilligrams converts a mass value to milligrams
func ToMilligrams(value float64, unit string) (float64, error) {
	info, ok := lookup(unit)
	if !ok || info.kind != KindMass {
		return 0, fmt.Errorf("not a mass unit: %q", unit)
	}
	return value * info.factor, nil
}

// ToMilliliters converts a volume value to milliliters
func ToMilliliters(value float64, unit string) (float64, error) {
	info, ok := lookup(unit)
	if !ok || info.kind != KindVolume {
		return 0, fmt.Errorf("not a volume unit: %q", unit)
	}
	return value * info.factor, nil
}

// Convert converts a value between two units of the same dimension
func Convert(value float64, from, to string) (float64, error) {
	src, ok := lookup(from)
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", from)
	}
	dst, ok := lookup(to)
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", to)
	}
	if src.kind != dst.kind {
		return 0, fmt.Errorf("cannot convert %s to %s", src.kind, dst.kind)
	}
	if src.kind == KindCount && src.unit != dst.unit {
		return 0, fmt.Errorf("cannot convert %s to %s", src.unit, dst.unit)
	}
	return value * src.factor / dst.factor, nil
}
