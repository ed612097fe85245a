package calculator

import (
	"strings"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/matcher"
)

// Days supply bounds
const (
	MinDaysSupply = 1
	MaxDaysSupply = 365
)

// DrugRef names the drug by free-form name or by identifier, never both
type DrugRef struct {
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Request is a quantity calculation request
type Request struct {
	Drug       DrugRef     `json:"drug"`
	Sig        matcher.Sig `json:"sig"`
	DaysSupply int         `json:"daysSupply"`
}

// Validate checks the request shape. All field problems are reported
// together in the error details.
func (r *Request) Validate() error {
	problems := map[string]any{}

	name := strings.TrimSpace(r.Drug.Name)
	id := strings.TrimSpace(r.Drug.ID)
	switch {
	case name == "" && id == "":
		problems["drug"] = "one of drug.name or drug.id is required"
	case name != "" && id != "":
		problems["drug"] = "only one of drug.name or drug.id may be given"
	}
	if r.Sig.Dose <= 0 {
		problems["sig.dose"] = "must be greater than 0"
	}
	if r.Sig.Frequency <= 0 {
		problems["sig.frequency"] = "must be greater than 0"
	}
	if strings.TrimSpace(r.Sig.Unit) == "" {
		problems["sig.unit"] = "is required"
	}
	if r.DaysSupply < MinDaysSupply || r.DaysSupply > MaxDaysSupply {
		problems["daysSupply"] = "must be between 1 and 365"
	}

	if len(problems) > 0 {
		return apperr.Validation("invalid calculation request", problems)
	}
	return nil
}
