// Package recommender refines package selection with an optional AI backend
// guarded by a circuit breaker, falling back to the deterministic matcher.
package recommender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/matcher"
	"github.com/drfirst/go-ndc/internal/ndc"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Source identifies which path produced a recommendation
type Source string

const (
	SourceAI        Source = "ai"
	SourceAlgorithm Source = "algorithm"
)

// maxPackagesPerSelection bounds the count the AI may assign to one package
const maxPackagesPerSelection = 100

// ErrInvalidResponse marks an AI answer that failed validation
var ErrInvalidResponse = errors.New("invalid AI recommendation")

// Request is the input to a recommendation
type Request struct {
	DrugID           string        `json:"drugId"`
	DrugName         string        `json:"drugName"`
	Strength         string        `json:"strength,omitempty"`
	DosageForm       string        `json:"dosageForm,omitempty"`
	RequiredQuantity float64       `json:"requiredQuantity"`
	Unit             string        `json:"unit"`
	DaysSupply       int           `json:"daysSupply"`
	Candidates       []ndc.Package `json:"candidates"`
}

// Selection is one package choice in an AI answer
type Selection struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// Usage is the token accounting for one AI call
type Usage struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// AIRecommendation is a structured answer from the AI backend
type AIRecommendation struct {
	Selections []Selection `json:"selections"`
	Reasoning  string      `json:"reasoning"`
	Warnings   []string    `json:"warnings"`
	Usage      Usage       `json:"-"`
}

// AIRecommender is the optional AI collaborator
type AIRecommender interface {
	// Enabled reports whether the backend is configured
	Enabled() bool
	Recommend(ctx context.Context, req *Request) (*AIRecommendation, error)
}

// Recommendation is the caller-visible result. It is always produced.
type Recommendation struct {
	Result              matcher.MatchResult
	Source              Source
	AlgorithmicFallback bool
	Reasoning           string
	Usage               *Usage
	// FallbackReason is set when the AI path was attempted or skipped by the breaker
	FallbackReason string
}

// Recorder observes AI usage
type Recorder interface {
	AIUsage(tokens int, cost float64)
}

type nopRecorder struct{}

func (nopRecorder) AIUsage(int, float64) {}

// Config holds recommender configuration
type Config struct {
	// Timeout bounds a single AI call
	Timeout  time.Duration
	Recorder Recorder
}

// DefaultConfig returns default recommender settings
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Resilient composes the AI backend, its breaker and the fallback matcher
type Resilient struct {
	ai       AIRecommender
	breaker  *circuitbreaker.CircuitBreaker
	matcher  *matcher.Matcher
	timeout  time.Duration
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a resilient recommender. ai and breaker may be nil, in which
// case every request takes the deterministic path.
func New(ai AIRecommender, breaker *circuitbreaker.CircuitBreaker, m *matcher.Matcher, cfg Config, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = matcher.New(matcher.DefaultPolicy(), logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Resilient{
		ai:       ai,
		breaker:  breaker,
		matcher:  m,
		timeout:  cfg.Timeout,
		recorder: cfg.Recorder,
		logger:   logger,
		tracer:   otel.Tracer("recommender"),
	}
}

// AIEnabled reports whether the AI path is configured
func (r *Resilient) AIEnabled() bool {
	return r.ai != nil && r.breaker != nil && r.ai.Enabled()
}

// GetRecommendation selects packages for req. AI failures never surface: any
// error, malformed answer or open circuit yields the matcher's selection.
func (r *Resilient) GetRecommendation(ctx context.Context, req *Request) *Recommendation {
	ctx, span := r.tracer.Start(ctx, "get_recommendation",
		trace.WithAttributes(
			attribute.String("drug.id", req.DrugID),
			attribute.Float64("required_quantity", req.RequiredQuantity)))
	defer span.End()

	if !r.AIEnabled() {
		span.SetAttributes(attribute.String("source", string(SourceAlgorithm)))
		return &Recommendation{
			Result: r.matcher.Select(req.RequiredQuantity, req.Candidates),
			Source: SourceAlgorithm,
		}
	}

	rec, err := circuitbreaker.Do(ctx, r.breaker, func(ctx context.Context) (*Recommendation, error) {
		return r.callAI(ctx, req)
	})
	if err == nil && rec != nil {
		span.SetAttributes(attribute.String("source", string(SourceAI)))
		return rec
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = apperr.CircuitOpen(r.breaker.Name(), err)
	}

	reason := "ai recommendation failed"
	switch {
	case apperr.IsKind(err, apperr.KindCircuitOpen):
		reason = "ai circuit open"
		r.logger.Debug("ai circuit open, using algorithm",
			zap.String("drug_id", req.DrugID),
			zap.Error(err))
	case ctx.Err() != nil:
		reason = "request canceled"
		r.logger.Debug("ai call abandoned by caller", zap.String("drug_id", req.DrugID))
	default:
		r.logger.Warn("ai recommendation failed, using algorithm",
			zap.String("drug_id", req.DrugID),
			zap.Error(err))
	}
	span.SetAttributes(
		attribute.String("source", string(SourceAlgorithm)),
		attribute.Bool("algorithmic_fallback", true))

	return &Recommendation{
		Result:              r.matcher.Select(req.RequiredQuantity, req.Candidates),
		Source:              SourceAlgorithm,
		AlgorithmicFallback: true,
		FallbackReason:      reason,
	}
}

func (r *Resilient) callAI(ctx context.Context, req *Request) (*Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	answer, err := r.ai.Recommend(ctx, req)
	if err != nil {
		return nil, err
	}
	if answer == nil {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidResponse)
	}
	r.recorder.AIUsage(answer.Usage.TotalTokens, answer.Usage.CostUSD)

	result, err := buildResult(req, answer)
	if err != nil {
		return nil, err
	}
	usage := answer.Usage
	return &Recommendation{
		Result:    result,
		Source:    SourceAI,
		Reasoning: answer.Reasoning,
		Usage:     &usage,
	}, nil
}

// buildResult checks the AI answer against the active candidates and
// recomputes fill precision locally
func buildResult(req *Request, answer *AIRecommendation) (matcher.MatchResult, error) {
	if len(answer.Selections) == 0 {
		return matcher.MatchResult{}, fmt.Errorf("%w: no selections", ErrInvalidResponse)
	}

	active := make(map[string]ndc.Package, len(req.Candidates))
	for _, p := range req.Candidates {
		if p.IsActive && p.SizeQuantity > 0 {
			active[p.Code] = p
		}
	}

	var selected []ndc.Package
	for _, s := range answer.Selections {
		code, err := ndc.Normalize(s.Code)
		if err != nil {
			return matcher.MatchResult{}, fmt.Errorf("%w: malformed code %q", ErrInvalidResponse, s.Code)
		}
		pkg, ok := active[code]
		if !ok {
			return matcher.MatchResult{}, fmt.Errorf("%w: code %s is not an active candidate", ErrInvalidResponse, code)
		}
		if s.Count <= 0 || s.Count > maxPackagesPerSelection {
			return matcher.MatchResult{}, fmt.Errorf("%w: count %d for %s", ErrInvalidResponse, s.Count, code)
		}
		for i := 0; i < s.Count; i++ {
			selected = append(selected, pkg)
		}
	}

	result := matcher.NewResult(req.RequiredQuantity, selected)
	for _, w := range answer.Warnings {
		if w != "" {
			result.Warnings = append(result.Warnings, w)
		}
	}
	if result.UnderfillPct > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("ai selection underfills by %.2f%%", result.UnderfillPct))
	}
	return result, nil
}
