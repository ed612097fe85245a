package calculator

import (
	"strings"

	"github.com/drfirst/go-ndc/internal/apperr"
	fhir "github.com/drfirst/go-ndc/internal/fhir/r5"
	"github.com/drfirst/go-ndc/internal/matcher"
)

// FromMedicationRequest builds a calculation request from structured FHIR
// fields. An RxNorm coding wins over the medication text. Free-text dosage
// instructions are not parsed.
func FromMedicationRequest(m *fhir.MedicationRequest) (*Request, error) {
	if m == nil {
		return nil, apperr.Validation("MedicationRequest is required", nil)
	}
	problems := map[string]any{}

	req := &Request{}
	if id := m.RxNorm(); id != "" {
		req.Drug.ID = id
	} else if name := strings.TrimSpace(m.MedicationText()); name != "" {
		req.Drug.Name = name
	} else {
		problems["medication"] = "an RxNorm coding or concept text is required"
	}

	dose, unit, err := m.Dose()
	if err != nil {
		problems["dosageInstruction.dose"] = err.Error()
	}
	perDay, err := m.DosesPerDay()
	if err != nil {
		problems["dosageInstruction.timing"] = err.Error()
	}
	days, err := m.DaysSupply()
	if err != nil {
		problems["dispenseRequest.expectedSupplyDuration"] = err.Error()
	}
	if len(problems) > 0 {
		return nil, apperr.Validation("MedicationRequest lacks structured dosing", problems)
	}

	req.Sig = matcher.Sig{Dose: dose, Frequency: perDay, Unit: unit}
	req.DaysSupply = days
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
