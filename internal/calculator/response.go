package calculator

import (
	"math"

	"github.com/drfirst/go-ndc/internal/drug"
	"github.com/drfirst/go-ndc/internal/matcher"
	"github.com/drfirst/go-ndc/internal/ndc"
)

// DrugSummary is the resolved drug as returned to callers
type DrugSummary struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	DosageForm string  `json:"dosageForm,omitempty"`
	Strength   string  `json:"strength,omitempty"`
	Confidence float64 `json:"confidence"`
}

// RecommendedPackage is one selected package
type RecommendedPackage struct {
	Code       string  `json:"code"`
	Size       float64 `json:"size"`
	Unit       string  `json:"unit"`
	DosageForm string  `json:"dosageForm"`
	IsActive   bool    `json:"isActive"`
	// FillPrecision is the share of the required quantity this package
	// covers, as a percentage
	FillPrecision float64 `json:"fillPrecision,omitempty"`
}

// Excluded is a catalog package left out of matching
type Excluded struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Metadata describes how a response was produced
type Metadata struct {
	UsedAI              bool   `json:"usedAI"`
	AlgorithmicFallback bool   `json:"algorithmicFallback"`
	ExecutionTimeMs     int64  `json:"executionTimeMs"`
	ResolutionStrategy  string `json:"resolutionStrategy,omitempty"`
}

// Response is a successful calculation
type Response struct {
	Drug                DrugSummary          `json:"drug"`
	TotalQuantity       float64              `json:"totalQuantity"`
	RecommendedPackages []RecommendedPackage `json:"recommendedPackages"`
	OverfillPercentage  float64              `json:"overfillPercentage"`
	UnderfillPercentage float64              `json:"underfillPercentage"`
	Warnings            []string             `json:"warnings"`
	Excluded            []Excluded           `json:"excluded,omitempty"`
	Reasoning           string               `json:"reasoning,omitempty"`
	Metadata            *Metadata            `json:"metadata,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func summarize(d drug.CanonicalDrug) DrugSummary {
	return DrugSummary{
		ID:         d.ID,
		Name:       d.DisplayName,
		DosageForm: d.DosageForm,
		Strength:   d.Strength,
		Confidence: round2(d.Confidence),
	}
}

// recommended converts a selection for presentation. Repeated packages are
// listed once per unit dispensed.
func recommended(result matcher.MatchResult, required float64) []RecommendedPackage {
	out := make([]RecommendedPackage, 0, len(result.Selected))
	for _, p := range result.Selected {
		out = append(out, recommendedPackage(p, required))
	}
	return out
}

func recommendedPackage(p ndc.Package, required float64) RecommendedPackage {
	rp := RecommendedPackage{
		Code:       p.Code,
		Size:       p.SizeQuantity,
		Unit:       p.SizeUnit,
		DosageForm: p.DosageForm,
		IsActive:   p.IsActive,
	}
	if required > 0 {
		rp.FillPrecision = round2(p.SizeQuantity * 100 / required)
	}
	return rp
}
