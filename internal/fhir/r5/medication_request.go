package r5

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ResourceTypeMedicationRequest is the resourceType of a MedicationRequest
const ResourceTypeMedicationRequest = "MedicationRequest"

// MedicationRequest is the subset of a FHIR R5 MedicationRequest needed to
// compute a dispense quantity.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Status string `json:"status,omitempty"`
	Intent string `json:"intent,omitempty"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`
	Subject    *Reference        `json:"subject,omitempty"`

	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence    int              `json:"sequence,omitempty"`
	Text        string           `json:"text,omitempty"`
	Timing      *Timing          `json:"timing,omitempty"`
	AsNeeded    bool             `json:"asNeeded,omitempty"`
	Route       *CodeableConcept `json:"route,omitempty"`
	DoseAndRate []DoseAndRate    `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information. Rates are not read.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseRange    *Range           `json:"doseRange,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	Frequency    int     `json:"frequency,omitempty"`
	FrequencyMax int     `json:"frequencyMax,omitempty"`
	Period       float64 `json:"period,omitempty"`
	PeriodMax    float64 `json:"periodMax,omitempty"`
	PeriodUnit   string  `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
}

// Errors returned when structured dosing is absent
var (
	ErrNoDosage    = errors.New("dosageInstruction is required")
	ErrNoDose      = errors.New("dosageInstruction[0].doseAndRate[0] dose is required")
	ErrNoTiming    = errors.New("dosageInstruction[0].timing.repeat frequency and period are required")
	ErrNoSupply    = errors.New("dispenseRequest.expectedSupplyDuration is required")
	ErrUnknownUnit = errors.New("unrecognized time unit")
)

// daysPerUnit maps UCUM time units to days
var daysPerUnit = map[string]float64{
	"s":   1.0 / 86400,
	"min": 1.0 / 1440,
	"h":   1.0 / 24,
	"d":   1,
	"wk":  7,
	"mo":  30,
	"a":   365,
}

// unitAliases maps spelled-out units to UCUM codes
var unitAliases = map[string]string{
	"second": "s", "seconds": "s", "sec": "s",
	"minute": "min", "minutes": "min",
	"hour": "h", "hours": "h", "hr": "h",
	"day": "d", "days": "d",
	"week": "wk", "weeks": "wk",
	"month": "mo", "months": "mo",
	"year": "a", "years": "a",
}

func toDays(value float64, unit string) (float64, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	if alias, ok := unitAliases[u]; ok {
		u = alias
	}
	factor, ok := daysPerUnit[u]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownUnit, unit)
	}
	return value * factor, nil
}

// RxNorm returns the RxNorm code of the medication, if coded
func (m *MedicationRequest) RxNorm() string {
	if m.Medication.Concept == nil {
		return ""
	}
	for _, coding := range m.Medication.Concept.Coding {
		if coding.System == SystemRxNorm && coding.Code != "" {
			return coding.Code
		}
	}
	return ""
}

// MedicationText returns the medication name: the concept text, else the
// first coding display, else the reference display.
func (m *MedicationRequest) MedicationText() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if r := m.Medication.Reference; r != nil {
		return r.Display
	}
	return ""
}

// Dose returns the amount per administration of the first dosage
// instruction. A dose range yields its upper bound.
func (m *MedicationRequest) Dose() (value float64, unit string, err error) {
	if len(m.DosageInstruction) == 0 {
		return 0, "", ErrNoDosage
	}
	for _, dr := range m.DosageInstruction[0].DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value > 0 {
			return q.Value, quantityUnit(q), nil
		}
		if r := dr.DoseRange; r != nil && r.High != nil && r.High.Value > 0 {
			return r.High.Value, quantityUnit(r.High), nil
		}
	}
	return 0, "", ErrNoDose
}

func quantityUnit(q *Quantity) string {
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// DosesPerDay normalizes the first dosage instruction's timing to
// administrations per day. frequencyMax and periodMax are ignored.
func (m *MedicationRequest) DosesPerDay() (float64, error) {
	if len(m.DosageInstruction) == 0 {
		return 0, ErrNoDosage
	}
	t := m.DosageInstruction[0].Timing
	if t == nil || t.Repeat == nil || t.Repeat.Frequency <= 0 {
		return 0, ErrNoTiming
	}
	period := t.Repeat.Period
	if period <= 0 {
		period = 1
	}
	unit := t.Repeat.PeriodUnit
	if unit == "" {
		unit = "d"
	}
	days, err := toDays(period, unit)
	if err != nil {
		return 0, err
	}
	return float64(t.Repeat.Frequency) / days, nil
}

// DaysSupply returns the expected supply duration in whole days, rounded up
func (m *MedicationRequest) DaysSupply() (int, error) {
	if m.DispenseRequest == nil || m.DispenseRequest.ExpectedSupplyDuration == nil {
		return 0, ErrNoSupply
	}
	d := m.DispenseRequest.ExpectedSupplyDuration
	unit := d.Code
	if unit == "" {
		unit = d.Unit
	}
	if unit == "" {
		unit = "d"
	}
	days, err := toDays(d.Value, unit)
	if err != nil {
		return 0, err
	}
	return int(math.Ceil(days - 1e-9)), nil
}

// ParseMedicationRequest decodes and type-checks a MedicationRequest
func ParseMedicationRequest(data []byte) (*MedicationRequest, error) {
	var m MedicationRequest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode MedicationRequest: %w", err)
	}
	if m.ResourceType != ResourceTypeMedicationRequest {
		return nil, fmt.Errorf("resourceType %q is not %s", m.ResourceType, ResourceTypeMedicationRequest)
	}
	return &m, nil
}
