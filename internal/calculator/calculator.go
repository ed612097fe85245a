// Package calculator orchestrates a dispense calculation: validate, resolve
// the drug, look up its packages, compute the required quantity and select
// packages through the resilient recommender.
package calculator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/drug"
	"github.com/drfirst/go-ndc/internal/matcher"
	"github.com/drfirst/go-ndc/internal/recommender"
)

// DrugResolver resolves drugs by name or identifier
type DrugResolver interface {
	Resolve(ctx context.Context, name string) (*drug.Resolution, error)
	ResolveByID(ctx context.Context, id string) (*drug.CanonicalDrug, error)
}

// Recommender selects packages for a required quantity
type Recommender interface {
	GetRecommendation(ctx context.Context, req *recommender.Request) *recommender.Recommendation
}

// Recorder observes calculation outcomes
type Recorder interface {
	CalculationCompleted(source string, elapsed time.Duration)
	CalculationFailed(code string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) CalculationCompleted(string, time.Duration) {}
func (nopRecorder) CalculationFailed(string, time.Duration)    {}

// Config holds calculator configuration
type Config struct {
	// LowConfidence attaches a verification warning to drugs resolved below it
	LowConfidence float64
	// PublishTimeout bounds a single event publish
	PublishTimeout time.Duration
	Recorder       Recorder
	// Publisher receives calculation events; optional
	Publisher Publisher
}

// DefaultConfig returns default calculator settings
func DefaultConfig() Config {
	return Config{
		LowConfidence:  0.85,
		PublishTimeout: 5 * time.Second,
	}
}

// Service runs calculations
type Service struct {
	resolver    DrugResolver
	lookup      *PackageLookup
	recommender Recommender
	cfg         Config
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	inflight sync.WaitGroup
}

// New creates a calculation service
func New(resolver DrugResolver, lookup *PackageLookup, rec Recommender, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LowConfidence <= 0 {
		cfg.LowConfidence = def.LowConfidence
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Service{
		resolver:    resolver,
		lookup:      lookup,
		recommender: rec,
		cfg:         cfg,
		logger:      logger,
		tracer:      otel.Tracer("calculator"),
		now:         time.Now,
	}
}

// Calculate runs one calculation. Errors are apperr values.
func (s *Service) Calculate(ctx context.Context, req *Request) (*Response, error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, "calculate")
	defer span.End()

	resp, source, err := s.calculate(ctx, req, start)
	elapsed := s.now().Sub(start)
	if err != nil {
		e := apperr.From(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, e.Code)
		s.cfg.Recorder.CalculationFailed(e.Code, elapsed)
		if e.Kind == apperr.KindInternal || e.Kind == apperr.KindExternalService {
			s.logger.Error("calculation failed", zap.String("code", e.Code), zap.Error(err))
		} else {
			s.logger.Debug("calculation rejected", zap.String("code", e.Code), zap.Error(err))
		}
		return nil, e
	}

	span.SetAttributes(
		attribute.String("drug.id", resp.Drug.ID),
		attribute.String("source", source),
		attribute.Float64("total_quantity", resp.TotalQuantity))
	s.cfg.Recorder.CalculationCompleted(source, elapsed)
	s.publish(ctx, newEvent(ctx, req, resp, source, s.now()))
	return resp, nil
}

func (s *Service) calculate(ctx context.Context, req *Request, start time.Time) (*Response, string, error) {
	if req == nil {
		return nil, "", apperr.Validation("request body is required", nil)
	}
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	resolved, strategy, err := s.resolve(ctx, req.Drug)
	if err != nil {
		return nil, "", err
	}

	lookup, err := s.lookup.Lookup(ctx, resolved.ID)
	if err != nil {
		return nil, "", err
	}

	required, warnings := matcher.ComputeQuantity(req.Sig, resolved.Strength, req.DaysSupply)
	if resolved.Confidence < s.cfg.LowConfidence {
		warnings = append(warnings, fmt.Sprintf(
			"drug matched with %.0f%% confidence; verify %q is intended", resolved.Confidence*100, resolved.DisplayName))
	}

	rec := s.recommender.GetRecommendation(ctx, &recommender.Request{
		DrugID:           resolved.ID,
		DrugName:         resolved.DisplayName,
		Strength:         resolved.Strength,
		DosageForm:       resolved.DosageForm,
		RequiredQuantity: required,
		Unit:             strings.ToLower(strings.TrimSpace(req.Sig.Unit)),
		DaysSupply:       req.DaysSupply,
		Candidates:       lookup.Packages,
	})
	result := rec.Result
	warnings = append(warnings, result.Warnings...)

	if len(result.Selected) == 0 {
		return nil, "", apperr.BusinessRule(apperr.CodeNoViablePackage,
			"no package combination satisfies the required quantity").
			WithDetails(map[string]any{
				"requiredQuantity": round2(required),
				"warnings":         warnings,
			})
	}

	resp := &Response{
		Drug:                summarize(*resolved),
		TotalQuantity:       round2(required),
		RecommendedPackages: recommended(result, required),
		OverfillPercentage:  round2(result.OverfillPct),
		UnderfillPercentage: round2(result.UnderfillPct),
		Warnings:            nonNil(warnings),
		Excluded:            lookup.Excluded,
		Reasoning:           rec.Reasoning,
		Metadata: &Metadata{
			UsedAI:              rec.Source == recommender.SourceAI,
			AlgorithmicFallback: rec.AlgorithmicFallback,
			ExecutionTimeMs:     s.now().Sub(start).Milliseconds(),
			ResolutionStrategy:  strategy,
		},
	}
	return resp, string(rec.Source), nil
}

func (s *Service) resolve(ctx context.Context, ref DrugRef) (*drug.CanonicalDrug, string, error) {
	if id := strings.TrimSpace(ref.ID); id != "" {
		d, err := s.resolver.ResolveByID(ctx, id)
		if err != nil {
			return nil, "", err
		}
		return d, drug.StrategyByID, nil
	}
	res, err := s.resolver.Resolve(ctx, ref.Name)
	if err != nil {
		return nil, "", err
	}
	return &res.Drug, res.Strategy, nil
}

// publish hands ev to the publisher and returns at once. Failures are logged
// only.
func (s *Service) publish(ctx context.Context, ev *CalculationEvent) {
	if s.cfg.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	s.inflight.Add(1)
	s.cfg.Publisher.PublishCalculation(ctx, ev, func(err error) {
		defer s.inflight.Done()
		defer cancel()
		if err != nil {
			s.logger.Warn("calculation event publish failed",
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		}
	})
}

// Wait blocks until in-flight event publishes finish
func (s *Service) Wait() {
	s.inflight.Wait()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
