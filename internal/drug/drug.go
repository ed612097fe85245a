// Package drug resolves free-form drug names into canonical RxNorm concepts.
package drug

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TermType classifies a canonical concept
type TermType string

const (
	TermIngredient   TermType = "INGREDIENT"
	TermClinicalDrug TermType = "CLINICAL_DRUG"
	TermBrandedDrug  TermType = "BRANDED_DRUG"
	TermPack         TermType = "PACK"
	TermOther        TermType = "OTHER"
)

// TermTypeFromTTY maps an RxNorm term type code
func TermTypeFromTTY(tty string) TermType {
	switch strings.ToUpper(strings.TrimSpace(tty)) {
	case "IN", "PIN", "MIN":
		return TermIngredient
	case "SCD", "SCDC", "SCDF", "SCDG":
		return TermClinicalDrug
	case "SBD", "SBDC", "SBDF", "SBDG":
		return TermBrandedDrug
	case "GPCK", "BPCK":
		return TermPack
	default:
		return TermOther
	}
}

// CanonicalDrug is a resolved concept. Values are never mutated after return.
type CanonicalDrug struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	TermType    TermType `json:"termType"`
	DosageForm  string   `json:"dosageForm,omitempty"`
	Strength    string   `json:"strength,omitempty"`
	Confidence  float64  `json:"confidence"`
	Synonyms    []string `json:"synonyms,omitempty"`
}

// Resolution is the outcome of resolving one name
type Resolution struct {
	Drug         CanonicalDrug   `json:"drug"`
	Alternatives []CanonicalDrug `json:"alternatives"`
	Strategy     string          `json:"strategy"`
}

// Candidate is a ranked approximate-match hit
type Candidate struct {
	ID    string
	Score float64
	Rank  int
}

// Properties are the upstream attributes of a concept. Empty fields are
// unknown.
type Properties struct {
	ID         string
	Name       string
	TTY        string
	DosageForm string
	Strength   string
	Synonyms   []string
}

// NameSearch is the name-search collaborator
type NameSearch interface {
	// ExactMatch returns identifiers whose name matches exactly
	ExactMatch(ctx context.Context, name string) ([]string, error)
	// ApproximateMatch returns up to max ranked candidates
	ApproximateMatch(ctx context.Context, term string, max int) ([]Candidate, error)
	// SpellingSuggestions returns corrected spellings in preference order
	SpellingSuggestions(ctx context.Context, name string) ([]string, error)
	// Properties fetches concept attributes; a missing concept is a
	// not-found apperr
	Properties(ctx context.Context, id string) (*Properties, error)
}

var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName lower-cases, strips diacritics and collapses whitespace
func NormalizeName(name string) string {
	folded, _, err := transform.String(foldDiacritics, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Confidence scores an approximate match: clamp(score/100, 0, 1) x min(1/rank, 1).
// A non-positive rank carries no penalty.
func Confidence(score float64, rank int) float64 {
	c := score / 100
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	if rank > 1 {
		c *= 1 / float64(rank)
	}
	return c
}

func synonymSet(values ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range values {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			k := strings.ToLower(v)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
