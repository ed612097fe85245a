package matcher

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/drfirst/go-ndc/internal/ndc"
)

func pkgs(sizes ...float64) []ndc.Package {
	out := make([]ndc.Package, len(sizes))
	for i, s := range sizes {
		out[i] = ndc.Package{
			Code:         fmt.Sprintf("00071-%04d-%02d", int(s), i),
			SizeQuantity: s,
			SizeUnit:     "TABLET",
			DosageForm:   "TABLET",
			IsActive:     true,
		}
	}
	return out
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func checkInvariants(t *testing.T, r MatchResult) {
	t.Helper()
	if r.OverfillPct != 0 && r.UnderfillPct != 0 {
		t.Errorf("both overfill (%v) and underfill (%v) are non-zero", r.OverfillPct, r.UnderfillPct)
	}
	if r.OverfillPct < 0 || r.UnderfillPct < 0 {
		t.Errorf("negative fill delta: %+v", r)
	}
	sum := 0.0
	for _, p := range r.Selected {
		sum += p.SizeQuantity
	}
	if !approx(sum, r.TotalQuantity) {
		t.Errorf("total %v != sum of selected %v", r.TotalQuantity, sum)
	}
}

func TestSelectPackagesExactMatch(t *testing.T) {
	r := SelectPackages(30, pkgs(100, 30, 60))
	checkInvariants(t, r)
	if len(r.Selected) != 1 || r.Selected[0].SizeQuantity != 30 {
		t.Fatalf("selected = %+v, want the 30 package", r.Selected)
	}
	if r.OverfillPct != 0 || r.UnderfillPct != 0 {
		t.Errorf("fill deltas = %v/%v, want 0/0", r.OverfillPct, r.UnderfillPct)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", r.Warnings)
	}
}

func TestSelectPackagesOverfillThresholds(t *testing.T) {
	tests := []struct {
		size     float64
		overfill float64
		warnings int
	}{
		{105, 5, 0},
		{108, 8, 0},
		{110, 10, 0},
		{111, 11, 1},
		{150, 50, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("size_%v", tt.size), func(t *testing.T) {
			r := SelectPackages(100, pkgs(tt.size))
			checkInvariants(t, r)
			if len(r.Selected) != 1 {
				t.Fatalf("expected one package, got %d", len(r.Selected))
			}
			if !approx(r.OverfillPct, tt.overfill) {
				t.Errorf("overfill = %v, want %v", r.OverfillPct, tt.overfill)
			}
			if len(r.Warnings) != tt.warnings {
				t.Errorf("warnings = %v, want %d", r.Warnings, tt.warnings)
			}
		})
	}
}

func TestSelectPackagesMinimalOverfill(t *testing.T) {
	r := SelectPackages(45, pkgs(100, 30, 60, 90))
	checkInvariants(t, r)
	if len(r.Selected) != 1 || r.Selected[0].SizeQuantity != 60 {
		t.Fatalf("selected = %+v, want the 60 package", r.Selected)
	}
}

func TestSelectPackagesNothingCovers(t *testing.T) {
	r := SelectPackages(100, pkgs(30, 60, 90))
	if len(r.Selected) != 0 {
		t.Fatalf("selected = %+v, want none", r.Selected)
	}
	if len(r.Warnings) != 1 || !strings.HasPrefix(r.Warnings[0], "no suitable package") {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestSelectNoActivePackages(t *testing.T) {
	candidates := pkgs(30, 60)
	for i := range candidates {
		candidates[i].IsActive = false
	}
	r := New(DefaultPolicy(), nil).Select(30, candidates)
	if len(r.Selected) != 0 {
		t.Fatalf("selected inactive packages: %+v", r.Selected)
	}
	if len(r.Warnings) != 1 || r.Warnings[0] != WarnNoActivePackages {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestSelectIgnoresInactive(t *testing.T) {
	candidates := pkgs(60, 90)
	candidates[0].IsActive = false
	r := SelectPackages(60, candidates)
	if len(r.Selected) != 1 || r.Selected[0].SizeQuantity != 90 {
		t.Fatalf("selected = %+v, want the active 90 package", r.Selected)
	}
}

func TestSelectGreedyFallback(t *testing.T) {
	m := New(DefaultPolicy(), nil)

	r := m.Select(100, pkgs(30, 60, 90))
	checkInvariants(t, r)
	if len(r.Selected) == 0 {
		t.Fatal("greedy tier must select at least one package")
	}
	if r.TotalQuantity < 100 {
		t.Errorf("total %v does not cover requirement", r.TotalQuantity)
	}
	// 90 is taken first, then the smallest package closes the gap
	if r.Selected[0].SizeQuantity != 90 || r.Selected[len(r.Selected)-1].SizeQuantity != 30 {
		t.Errorf("unexpected selection order: %+v", r.Selected)
	}

	r = m.Select(240, pkgs(100, 50))
	checkInvariants(t, r)
	if !approx(r.TotalQuantity, 250) {
		t.Errorf("total = %v, want 250", r.TotalQuantity)
	}
	if len(r.Selected) != 3 {
		t.Errorf("selected %d packages, want 3", len(r.Selected))
	}
}

func TestSelectGreedyTerminatesOnSmallPackages(t *testing.T) {
	r := New(DefaultPolicy(), nil).Select(1000, pkgs(1))
	checkInvariants(t, r)
	if !approx(r.TotalQuantity, 1000) {
		t.Errorf("total = %v, want 1000", r.TotalQuantity)
	}
}

func TestSelectDeterministicTieBreak(t *testing.T) {
	candidates := []ndc.Package{
		{Code: "55555-0001-02", SizeQuantity: 60, IsActive: true},
		{Code: "11111-0001-01", SizeQuantity: 60, IsActive: true},
		{Code: "33333-0001-01", SizeQuantity: 90, IsActive: true},
	}
	for i := 0; i < 5; i++ {
		r := SelectPackages(60, candidates)
		if r.Selected[0].Code != "11111-0001-01" {
			t.Fatalf("exact tie picked %s", r.Selected[0].Code)
		}
		r = SelectPackages(50, candidates)
		if r.Selected[0].Code != "11111-0001-01" {
			t.Fatalf("overfill tie picked %s", r.Selected[0].Code)
		}
	}
}

func TestSelectNonPositiveRequirement(t *testing.T) {
	r := SelectPackages(0, pkgs(30))
	if len(r.Selected) != 0 || len(r.Warnings) != 1 {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestFillDeltas(t *testing.T) {
	over, under := FillDeltas(100, 90)
	if over != 0 || !approx(under, 10) {
		t.Errorf("FillDeltas(100, 90) = %v, %v", over, under)
	}
	over, under = FillDeltas(100, 111)
	if !approx(over, 11) || under != 0 {
		t.Errorf("FillDeltas(100, 111) = %v, %v", over, under)
	}
}

func TestComputeQuantity(t *testing.T) {
	tests := []struct {
		name     string
		sig      Sig
		strength string
		days     int
		want     float64
		warnings int
	}{
		{"tablets", Sig{Dose: 1, Frequency: 2, Unit: "tablet"}, "", 30, 60, 0},
		{"capsules", Sig{Dose: 2, Frequency: 3, Unit: "caps"}, "500 MG", 10, 60, 0},
		{"volume with strength", Sig{Dose: 5, Frequency: 3, Unit: "mL"}, "250 MG/5 ML", 10, 150, 0},
		{"volume without strength", Sig{Dose: 5, Frequency: 3, Unit: "mL"}, "", 10, 150, 1},
		{"teaspoons", Sig{Dose: 1, Frequency: 2, Unit: "tsp"}, "125 MG/5 ML", 7, 70, 0},
		{"mass per unit", Sig{Dose: 20, Frequency: 1, Unit: "mg"}, "10 MG", 30, 60, 0},
		{"mass per unit in grams", Sig{Dose: 1, Frequency: 2, Unit: "g"}, "500 MG", 5, 20, 0},
		{"fractional units", Sig{Dose: 5, Frequency: 1, Unit: "mg"}, "10 MG", 7, 4, 1},
		{"concentration", Sig{Dose: 250, Frequency: 2, Unit: "mg"}, "250 MG/5 ML", 10, 100, 0},
		{"unrecognized strength", Sig{Dose: 1, Frequency: 1, Unit: "mg"}, "100 UNT/ML", 30, 30, 1},
		{"unknown unit", Sig{Dose: 2, Frequency: 2, Unit: "puff"}, "", 30, 120, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := ComputeQuantity(tt.sig, tt.strength, tt.days)
			if !approx(got, tt.want) {
				t.Errorf("quantity = %v, want %v", got, tt.want)
			}
			if len(warnings) != tt.warnings {
				t.Errorf("warnings = %v, want %d", warnings, tt.warnings)
			}
		})
	}
}

func TestComputeQuantityMismatchWarning(t *testing.T) {
	_, warnings := ComputeQuantity(Sig{Dose: 1, Frequency: 1, Unit: "puff"}, "", 1)
	if len(warnings) != 1 || warnings[0] != WarnUnitMismatch {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestLisinoprilScenario(t *testing.T) {
	qty, warnings := ComputeQuantity(Sig{Dose: 1, Frequency: 2, Unit: "tablet"}, "10 MG", 30)
	if qty != 60 || len(warnings) != 0 {
		t.Fatalf("quantity = %v (%v), want 60", qty, warnings)
	}
	r := New(DefaultPolicy(), nil).Select(qty, pkgs(30, 60, 90))
	if len(r.Selected) != 1 || r.Selected[0].SizeQuantity != 60 {
		t.Fatalf("selected = %+v, want the 60 package", r.Selected)
	}
	if r.OverfillPct != 0 || r.UnderfillPct != 0 {
		t.Errorf("fill deltas = %v/%v", r.OverfillPct, r.UnderfillPct)
	}
}
