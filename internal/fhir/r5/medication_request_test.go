package r5

import (
	"errors"
	"math"
	"testing"
)

const lisinoprilRequest = `{
	"resourceType": "MedicationRequest",
	"id": "rx-1",
	"status": "active",
	"intent": "order",
	"medication": {"concept": {
		"coding": [
			{"system": "http://hl7.org/fhir/sid/ndc", "code": "00071-0222-60"},
			{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "314076", "display": "lisinopril 10 MG Oral Tablet"}
		],
		"text": "Lisinopril 10mg tablet"
	}},
	"dosageInstruction": [{
		"text": "take 1 tablet twice daily",
		"timing": {"repeat": {"frequency": 1, "period": 12, "periodUnit": "h"}},
		"doseAndRate": [{"doseQuantity": {"value": 1, "unit": "tablet"}}]
	}],
	"dispenseRequest": {"expectedSupplyDuration": {"value": 30, "unit": "days", "code": "d"}}
}`

func TestParseMedicationRequest(t *testing.T) {
	m, err := ParseMedicationRequest([]byte(lisinoprilRequest))
	if err != nil {
		t.Fatal(err)
	}
	if m.RxNorm() != "314076" {
		t.Errorf("RxNorm() = %q", m.RxNorm())
	}
	if m.MedicationText() != "Lisinopril 10mg tablet" {
		t.Errorf("MedicationText() = %q", m.MedicationText())
	}

	dose, unit, err := m.Dose()
	if err != nil || dose != 1 || unit != "tablet" {
		t.Errorf("Dose() = %v %q %v", dose, unit, err)
	}
	perDay, err := m.DosesPerDay()
	if err != nil || math.Abs(perDay-2) > 1e-9 {
		t.Errorf("DosesPerDay() = %v %v", perDay, err)
	}
	days, err := m.DaysSupply()
	if err != nil || days != 30 {
		t.Errorf("DaysSupply() = %v %v", days, err)
	}
}

func TestParseMedicationRequestWrongType(t *testing.T) {
	if _, err := ParseMedicationRequest([]byte(`{"resourceType":"Patient"}`)); err == nil {
		t.Error("expected error for non-MedicationRequest")
	}
	if _, err := ParseMedicationRequest([]byte(`{`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDosesPerDay(t *testing.T) {
	tests := []struct {
		name   string
		repeat *TimingRepeat
		want   float64
	}{
		{"three times daily", &TimingRepeat{Frequency: 3, Period: 1, PeriodUnit: "d"}, 3},
		{"every 8 hours", &TimingRepeat{Frequency: 1, Period: 8, PeriodUnit: "h"}, 3},
		{"weekly", &TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "wk"}, 1.0 / 7},
		{"period defaults to one day", &TimingRepeat{Frequency: 2}, 2},
		{"spelled-out unit", &TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "Day"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MedicationRequest{DosageInstruction: []Dosage{{Timing: &Timing{Repeat: tt.repeat}}}}
			got, err := m.DosesPerDay()
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("DosesPerDay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDosesPerDayErrors(t *testing.T) {
	m := &MedicationRequest{}
	if _, err := m.DosesPerDay(); !errors.Is(err, ErrNoDosage) {
		t.Errorf("err = %v, want ErrNoDosage", err)
	}
	m.DosageInstruction = []Dosage{{}}
	if _, err := m.DosesPerDay(); !errors.Is(err, ErrNoTiming) {
		t.Errorf("err = %v, want ErrNoTiming", err)
	}
	m.DosageInstruction[0].Timing = &Timing{Repeat: &TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "fortnight"}}
	if _, err := m.DosesPerDay(); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("err = %v, want ErrUnknownUnit", err)
	}
}

func TestDoseRangeUsesUpperBound(t *testing.T) {
	m := &MedicationRequest{DosageInstruction: []Dosage{{
		DoseAndRate: []DoseAndRate{{DoseRange: &Range{
			Low:  &Quantity{Value: 1, Code: "{tbl}"},
			High: &Quantity{Value: 2, Code: "{tbl}"},
		}}},
	}}}
	dose, unit, err := m.Dose()
	if err != nil || dose != 2 || unit != "{tbl}" {
		t.Errorf("Dose() = %v %q %v", dose, unit, err)
	}
}

func TestDaysSupplyConvertsUnits(t *testing.T) {
	m := &MedicationRequest{DispenseRequest: &DispenseRequest{
		ExpectedSupplyDuration: &Duration{Value: 4, Unit: "weeks"},
	}}
	days, err := m.DaysSupply()
	if err != nil || days != 28 {
		t.Errorf("DaysSupply() = %v %v", days, err)
	}

	m.DispenseRequest = nil
	if _, err := m.DaysSupply(); !errors.Is(err, ErrNoSupply) {
		t.Errorf("err = %v, want ErrNoSupply", err)
	}
}

func TestOperationOutcome(t *testing.T) {
	o := NewErrorOutcome(IssueNotFound, "drug not found")
	if o.ResourceType != "OperationOutcome" || len(o.Issue) != 1 || o.Issue[0].Severity != "error" {
		t.Errorf("outcome = %+v", o)
	}
}
