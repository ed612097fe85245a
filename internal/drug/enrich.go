package drug

import (
	"strings"

	"github.com/drfirst/go-ndc/internal/units"
)

// dosageForms is matched in order; the first keyword found in a name wins
var dosageForms = []string{
	"TABLET",
	"CAPSULE",
	"SOLUTION",
	"SUSPENSION",
	"SYRUP",
	"INJECTION",
	"CREAM",
	"OINTMENT",
	"GEL",
	"LOTION",
	"PATCH",
	"SPRAY",
	"INHALER",
	"SUPPOSITORY",
	"POWDER",
}

// DosageFormFromName returns the first vocabulary keyword found in name, or ""
func DosageFormFromName(name string) string {
	upper := strings.ToUpper(name)
	for _, form := range dosageForms {
		if indexWord(upper, form) >= 0 {
			return form
		}
	}
	return ""
}

// indexWord finds form as a word prefix so "TABLETS" matches TABLET but
// "ANGEL" does not match GEL
func indexWord(s, form string) int {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], form)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || !isLetter(s[i-1]) {
			return i
		}
		from = i + 1
	}
	return -1
}

func isLetter(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// newCanonical builds a canonical drug from upstream properties, filling
// dosage form and strength from the display name where upstream is silent
func newCanonical(props *Properties, confidence float64) CanonicalDrug {
	d := CanonicalDrug{
		ID:          props.ID,
		DisplayName: props.Name,
		TermType:    TermTypeFromTTY(props.TTY),
		DosageForm:  strings.TrimSpace(props.DosageForm),
		Strength:    strings.TrimSpace(props.Strength),
		Confidence:  confidence,
		Synonyms:    synonymSet(props.Synonyms),
	}
	if d.DosageForm == "" {
		d.DosageForm = DosageFormFromName(props.Name)
	}
	if d.Strength == "" {
		d.Strength = units.ExtractStrength(props.Name)
	}
	return d
}
