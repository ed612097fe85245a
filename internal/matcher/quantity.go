// Package matcher converts dosing instructions into a required dispense quantity
// and selects the catalog packages that best satisfy it.
package matcher

import (
	"fmt"
	"math"

	"github.com/drfirst/go-ndc/internal/units"
)

// Warning messages attached to quantity computations
const (
	WarnStrengthUnavailable = "strength unavailable, computed volume only"
	WarnUnitMismatch        = "unit mismatch — verify with prescriber"
)

// roundingEpsilon absorbs float error before rounding a unit count up
const roundingEpsilon = 1e-9

// Sig is a structured dosing instruction
type Sig struct {
	Dose      float64 `json:"dose"`
	Frequency float64 `json:"frequency"` // doses per day
	Unit      string  `json:"unit"`
}

// ComputeQuantity returns the quantity to dispense for a SIG over daysSupply
// days. Strength is the drug strength string ("10 MG", "250 MG/5 ML"); it is
// only consulted for mass-based doses. It never fails: unrecognized
// combinations fall back to dose x frequency x days with a warning.
func ComputeQuantity(sig Sig, strength string, daysSupply int) (float64, []string) {
	days := float64(daysSupply)
	direct := sig.Dose * sig.Frequency * days

	switch units.KindOf(sig.Unit) {
	case units.KindCount:
		return direct, nil

	case units.KindVolume:
		doseML, err := units.ToMilliliters(sig.Dose, sig.Unit)
		if err != nil {
			return direct, []string{WarnUnitMismatch}
		}
		total := doseML * sig.Frequency * days
		if strength == "" {
			return total, []string{WarnStrengthUnavailable}
		}
		return total, nil

	case units.KindMass:
		doseMg, err := units.ToMilligrams(sig.Dose, sig.Unit)
		if err != nil {
			return direct, []string{WarnUnitMismatch}
		}
		s, ok := units.ParseStrength(strength)
		if !ok {
			return direct, []string{WarnUnitMismatch}
		}
		switch s.Form {
		case units.StrengthPerUnit:
			perDose := doseMg / s.MassMg
			var warnings []string
			if math.Abs(perDose-math.Round(perDose)) > roundingEpsilon {
				warnings = append(warnings, fmt.Sprintf(
					"dose of %g %s requires %.2f units per dose; dose may be impractical",
					sig.Dose, sig.Unit, perDose))
			}
			return math.Ceil(perDose*sig.Frequency*days - roundingEpsilon), warnings
		case units.StrengthConcentration:
			volumePerDose := doseMg / s.MgPerML()
			return volumePerDose * sig.Frequency * days, nil
		}
	}

	return direct, []string{WarnUnitMismatch}
}
