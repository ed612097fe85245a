package matcher

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/ndc"
)

// Selection warnings
const (
	WarnNoActivePackages  = "no active packages available"
	WarnNoSuitablePackage = "no suitable package covers the required quantity"
)

// MatchResult is a package selection with its fill precision.
// At most one of OverfillPct and UnderfillPct is non-zero.
type MatchResult struct {
	Selected      []ndc.Package `json:"selected"`
	TotalQuantity float64       `json:"totalQuantity"`
	OverfillPct   float64       `json:"overfillPct"`
	UnderfillPct  float64       `json:"underfillPct"`
	Warnings      []string      `json:"warnings"`
}

// Policy controls the selection tiers
type Policy struct {
	// MultiPackFallback enables the greedy multi-package tier when no single
	// package covers the requirement
	MultiPackFallback bool
	// OverfillWarnPct is the overfill percentage above which a warning is attached
	OverfillWarnPct float64
	// GreedySlack bounds how far a package may exceed the remaining quantity
	// in the greedy tier, as a multiple of the remainder
	GreedySlack float64
}

// DefaultPolicy returns the production selection policy
func DefaultPolicy() Policy {
	return Policy{
		MultiPackFallback: true,
		OverfillWarnPct:   10,
		GreedySlack:       1.2,
	}
}

// StrictPolicy returns the single-package-only policy
func StrictPolicy() Policy {
	p := DefaultPolicy()
	p.MultiPackFallback = false
	return p
}

// Matcher selects packages under a policy
type Matcher struct {
	policy Policy
	logger *zap.Logger
}

// New creates a matcher
func New(policy Policy, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.OverfillWarnPct <= 0 {
		policy.OverfillWarnPct = DefaultPolicy().OverfillWarnPct
	}
	if policy.GreedySlack < 1 {
		policy.GreedySlack = DefaultPolicy().GreedySlack
	}
	return &Matcher{policy: policy, logger: logger}
}

// Policy returns the matcher's policy
func (m *Matcher) Policy() Policy {
	return m.policy
}

// SelectPackages applies the single-package tiers only: exact match, then the
// minimal-overfill package. When no package covers the requirement the result
// is empty with a warning.
func SelectPackages(required float64, candidates []ndc.Package) MatchResult {
	return New(StrictPolicy(), nil).Select(required, candidates)
}

// Select chooses packages for the required quantity. An empty selection is
// reported through warnings, never as an error.
func (m *Matcher) Select(required float64, candidates []ndc.Package) MatchResult {
	if required <= 0 {
		return MatchResult{Warnings: []string{"required quantity must be positive"}}
	}

	active := activePackages(candidates)
	if len(active) == 0 {
		return MatchResult{Warnings: []string{WarnNoActivePackages}}
	}

	if pkg, ok := exactMatch(required, active); ok {
		return NewResult(required, []ndc.Package{pkg})
	}

	if pkg, ok := minimalOverfill(required, active); ok {
		result := NewResult(required, []ndc.Package{pkg})
		if result.OverfillPct > m.policy.OverfillWarnPct {
			result.Warnings = append(result.Warnings, overfillWarning(result.OverfillPct, m.policy.OverfillWarnPct))
		}
		return result
	}

	if !m.policy.MultiPackFallback {
		largest := active[0]
		return MatchResult{Warnings: []string{fmt.Sprintf(
			"%s: largest package %s holds %g, required %g",
			WarnNoSuitablePackage, largest.Code, largest.SizeQuantity, required)}}
	}

	selected := greedy(required, active, m.policy.GreedySlack)
	m.logger.Debug("multi-package selection",
		zap.Float64("required", required),
		zap.Int("packages", len(selected)))

	result := NewResult(required, selected)
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("no single package covers %g; %d packages combined", required, len(selected)))
	if result.OverfillPct > m.policy.OverfillWarnPct {
		result.Warnings = append(result.Warnings, overfillWarning(result.OverfillPct, m.policy.OverfillWarnPct))
	}
	return result
}

// NewResult builds a MatchResult for an explicit selection
func NewResult(required float64, selected []ndc.Package) MatchResult {
	total := 0.0
	for _, p := range selected {
		total += p.SizeQuantity
	}
	over, under := FillDeltas(required, total)
	return MatchResult{
		Selected:      selected,
		TotalQuantity: total,
		OverfillPct:   over,
		UnderfillPct:  under,
		Warnings:      []string{},
	}
}

// FillDeltas returns the overfill and underfill percentages of total relative
// to required. At most one is non-zero.
func FillDeltas(required, total float64) (overfill, underfill float64) {
	if required <= 0 {
		return 0, 0
	}
	switch {
	case total > required:
		return (total - required) * 100 / required, 0
	case total < required:
		return 0, (required - total) * 100 / required
	default:
		return 0, 0
	}
}

func overfillWarning(pct, threshold float64) string {
	return fmt.Sprintf("overfill of %.2f%% exceeds %g%% threshold", pct, threshold)
}

// activePackages filters to active packages with a usable size, sorted by size
// descending then code ascending so every tier resolves ties deterministically.
func activePackages(candidates []ndc.Package) []ndc.Package {
	active := make([]ndc.Package, 0, len(candidates))
	for _, p := range candidates {
		if p.IsActive && p.SizeQuantity > 0 {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].SizeQuantity != active[j].SizeQuantity {
			return active[i].SizeQuantity > active[j].SizeQuantity
		}
		return active[i].Code < active[j].Code
	})
	return active
}

func exactMatch(required float64, sorted []ndc.Package) (ndc.Package, bool) {
	for _, p := range sorted {
		if p.SizeQuantity == required {
			return p, true
		}
	}
	return ndc.Package{}, false
}

func minimalOverfill(required float64, sorted []ndc.Package) (ndc.Package, bool) {
	var best ndc.Package
	found := false
	for _, p := range sorted {
		if p.SizeQuantity < required {
			continue
		}
		if !found || p.SizeQuantity < best.SizeQuantity ||
			(p.SizeQuantity == best.SizeQuantity && p.Code < best.Code) {
			best = p
			found = true
		}
	}
	return best, found
}

// greedy takes the largest package not exceeding slack x remaining, repeatedly,
// then closes any gap with the smallest package. sorted must be non-empty with
// positive sizes, so remaining strictly decreases and the loop terminates.
func greedy(required float64, sorted []ndc.Package, slack float64) []ndc.Package {
	var selected []ndc.Package
	remaining := required
	for _, p := range sorted {
		for remaining > 0 && p.SizeQuantity <= slack*remaining {
			selected = append(selected, p)
			remaining -= p.SizeQuantity
		}
	}
	if remaining > 0 {
		selected = append(selected, smallest(sorted))
	}
	return selected
}

func smallest(sorted []ndc.Package) ndc.Package {
	s := sorted[len(sorted)-1]
	for _, p := range sorted {
		if p.SizeQuantity == s.SizeQuantity && p.Code < s.Code {
			s = p
		}
	}
	return s
}
