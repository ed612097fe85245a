package drug

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/cache"
)

// Strategy names, also used as metric labels
const (
	StrategyExact       = "exact"
	StrategyApproximate = "approximate"
	StrategySpelling    = "spelling"
	StrategyByID        = "by_id"
	StrategyCache       = "cache"
)

// Cache key prefixes
const (
	KeyPrefixName = "drug:norm:"
	KeyPrefixID   = "drug:id:"
)

// Config holds resolver configuration
type Config struct {
	// MinConfidence discards approximate candidates scoring below it
	MinConfidence float64
	// MaxAlternatives caps the alternatives returned beside the primary match
	MaxAlternatives int
	// MaxCandidates is the number of approximate candidates requested
	MaxCandidates int
	// SpellingPenalty multiplies the confidence of spelling-corrected matches
	SpellingPenalty float64
	// CacheTTL is how long resolutions are cached
	CacheTTL time.Duration
	// BatchConcurrency bounds ResolveAll fan-out
	BatchConcurrency int
	// Recorder observes strategy outcomes; optional
	Recorder Recorder
	// CacheRecorder observes cache lookups; optional
	CacheRecorder cache.Recorder
}

// DefaultConfig returns default resolver settings
func DefaultConfig() Config {
	return Config{
		MinConfidence:    0.7,
		MaxAlternatives:  4,
		MaxCandidates:    10,
		SpellingPenalty:  0.9,
		CacheTTL:         24 * time.Hour,
		BatchConcurrency: 8,
	}
}

// Recorder observes strategy outcomes
type Recorder interface {
	ResolutionAttempt(strategy, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ResolutionAttempt(string, string) {}

type outcome int

const (
	noMatch outcome = iota
	matched
	failed
)

func (o outcome) String() string {
	switch o {
	case matched:
		return "matched"
	case failed:
		return "failed"
	default:
		return "no_match"
	}
}

// attempt is the tagged result of one strategy
type attempt struct {
	outcome    outcome
	resolution *Resolution
	err        error
}

type strategy struct {
	name string
	run  func(ctx context.Context, query string) attempt
}

// Resolver runs the name resolution pipeline: exact match, approximate match,
// then spelling suggestions, stopping at the first match
type Resolver struct {
	search      NameSearch
	resolutions *cache.Cache[Resolution]
	concepts    *cache.Cache[CanonicalDrug]
	cfg         Config
	recorder    Recorder
	logger      *zap.Logger
	tracer      trace.Tracer
	strategies  []strategy
}

// New creates a resolver. A nil backend caches in memory.
func New(search NameSearch, backend cache.Backend, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = cache.NewMemoryBackend()
	}
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MaxAlternatives < 0 {
		cfg.MaxAlternatives = def.MaxAlternatives
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.SpellingPenalty <= 0 || cfg.SpellingPenalty > 1 {
		cfg.SpellingPenalty = def.SpellingPenalty
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	cacheCfg := cache.Config{Namespace: "drug", Logger: logger, Recorder: cfg.CacheRecorder}
	r := &Resolver{
		search:      search,
		resolutions: cache.New[Resolution](backend, cacheCfg),
		concepts:    cache.New[CanonicalDrug](backend, cacheCfg),
		cfg:         cfg,
		recorder:    recorder,
		logger:      logger,
		tracer:      otel.Tracer("drug-resolver"),
	}
	r.strategies = []strategy{
		{name: StrategyExact, run: func(ctx context.Context, q string) attempt { return r.exact(ctx, q, 1.0) }},
		{name: StrategyApproximate, run: r.approximate},
		{name: StrategySpelling, run: r.spelling},
	}
	return r
}

// Resolve maps a free-form name to a canonical drug plus alternatives. It
// fails with a not-found error when every strategy comes up empty, or an
// external-service error when every strategy failed outright.
func (r *Resolver) Resolve(ctx context.Context, name string) (*Resolution, error) {
	key := NormalizeName(name)
	if key == "" {
		return nil, apperr.Validation("drug name is required", map[string]any{"field": "drug.name"})
	}
	query := strings.Join(strings.Fields(name), " ")

	ctx, span := r.tracer.Start(ctx, "resolve_drug_name",
		trace.WithAttributes(attribute.String("drug.query", query)))
	defer span.End()

	if cached, ok := r.resolutions.Get(ctx, KeyPrefixName+key); ok {
		span.SetAttributes(attribute.String("drug.strategy", StrategyCache))
		return &cached, nil
	}

	var lastErr error
	failures := 0
	for _, s := range r.strategies {
		a := r.runStrategy(ctx, s, query)
		r.recorder.ResolutionAttempt(s.name, a.outcome.String())

		switch a.outcome {
		case matched:
			a.resolution.Strategy = s.name
			span.SetAttributes(
				attribute.String("drug.strategy", s.name),
				attribute.String("drug.id", a.resolution.Drug.ID),
				attribute.Float64("drug.confidence", a.resolution.Drug.Confidence))
			r.resolutions.Set(ctx, KeyPrefixName+key, *a.resolution, r.cfg.CacheTTL)
			return a.resolution, nil
		case failed:
			failures++
			lastErr = a.err
			r.logger.Warn("name resolution strategy failed",
				zap.String("strategy", s.name),
				zap.String("query", query),
				zap.Error(a.err))
		}

		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, apperr.ExternalService("drug name search", err)
		}
	}

	if failures == len(r.strategies) {
		span.SetStatus(codes.Error, "all strategies failed")
		return nil, apperr.ExternalService("drug name search", lastErr)
	}
	return nil, apperr.NotFound(apperr.CodeDrugNotFound, fmt.Sprintf("no drug matches %q", query)).
		WithDetails(map[string]any{"name": query})
}

// ResolveByID fetches the canonical drug for a known identifier
func (r *Resolver) ResolveByID(ctx context.Context, id string) (*CanonicalDrug, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation("drug id is required", map[string]any{"field": "drug.id"})
	}

	ctx, span := r.tracer.Start(ctx, "resolve_drug_id",
		trace.WithAttributes(attribute.String("drug.id", id)))
	defer span.End()

	if cached, ok := r.concepts.Get(ctx, KeyPrefixID+id); ok {
		return &cached, nil
	}

	props, err := r.search.Properties(ctx, id)
	if err != nil {
		r.recorder.ResolutionAttempt(StrategyByID, failed.String())
		span.RecordError(err)
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.ExternalService("drug name search", err)
	}
	if props == nil {
		r.recorder.ResolutionAttempt(StrategyByID, noMatch.String())
		return nil, apperr.NotFound(apperr.CodeDrugNotFound, fmt.Sprintf("no drug with id %q", id))
	}
	if props.ID == "" {
		props.ID = id
	}
	r.recorder.ResolutionAttempt(StrategyByID, matched.String())

	d := newCanonical(props, 1.0)
	r.concepts.Set(ctx, KeyPrefixID+id, d, r.cfg.CacheTTL)
	return &d, nil
}

func (r *Resolver) runStrategy(ctx context.Context, s strategy, query string) attempt {
	ctx, span := r.tracer.Start(ctx, "resolve_"+s.name)
	defer span.End()
	a := s.run(ctx, query)
	span.SetAttributes(attribute.String("outcome", a.outcome.String()))
	if a.err != nil {
		span.RecordError(a.err)
	}
	return a
}

// exact resolves query through the exact-name endpoint with a fixed confidence
func (r *Resolver) exact(ctx context.Context, query string, confidence float64) attempt {
	ids, err := r.search.ExactMatch(ctx, query)
	if err != nil {
		return attempt{outcome: failed, err: err}
	}
	if len(ids) == 0 {
		return attempt{outcome: noMatch}
	}

	props, err := r.search.Properties(ctx, ids[0])
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return attempt{outcome: noMatch}
		}
		return attempt{outcome: failed, err: err}
	}
	if props == nil {
		return attempt{outcome: noMatch}
	}
	if props.ID == "" {
		props.ID = ids[0]
	}
	return attempt{
		outcome:    matched,
		resolution: &Resolution{Drug: newCanonical(props, confidence), Alternatives: []CanonicalDrug{}},
	}
}

type scored struct {
	Candidate
	confidence float64
}

// approximate ranks fuzzy candidates by confidence and keeps the top matches
func (r *Resolver) approximate(ctx context.Context, query string) attempt {
	candidates, err := r.search.ApproximateMatch(ctx, query, r.cfg.MaxCandidates)
	if err != nil {
		return attempt{outcome: failed, err: err}
	}

	ranked := r.rank(candidates)
	if len(ranked) == 0 {
		return attempt{outcome: noMatch}
	}

	limit := 1 + r.cfg.MaxAlternatives
	drugs := make([]CanonicalDrug, 0, limit)
	var propErr error
	for _, c := range ranked {
		if len(drugs) == limit || ctx.Err() != nil {
			break
		}
		props, err := r.search.Properties(ctx, c.ID)
		if err != nil {
			if !apperr.IsKind(err, apperr.KindNotFound) {
				propErr = err
			}
			r.logger.Debug("candidate properties unavailable",
				zap.String("rxcui", c.ID), zap.Error(err))
			continue
		}
		if props == nil {
			r.logger.Debug("candidate has no properties", zap.String("rxcui", c.ID))
			continue
		}
		if props.ID == "" {
			props.ID = c.ID
		}
		drugs = append(drugs, newCanonical(props, c.confidence))
	}

	if len(drugs) == 0 {
		if propErr != nil {
			return attempt{outcome: failed, err: propErr}
		}
		return attempt{outcome: noMatch}
	}
	return attempt{
		outcome:    matched,
		resolution: &Resolution{Drug: drugs[0], Alternatives: drugs[1:]},
	}
}

// rank scores candidates, drops those below the confidence threshold, sorts
// by confidence descending and removes duplicate identifiers
func (r *Resolver) rank(candidates []Candidate) []scored {
	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == "" {
			continue
		}
		conf := Confidence(c.Score, c.Rank)
		if conf < r.cfg.MinConfidence {
			continue
		}
		out = append(out, scored{Candidate: c, confidence: conf})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].confidence != out[j].confidence {
			return out[i].confidence > out[j].confidence
		}
		return out[i].ID < out[j].ID
	})

	seen := make(map[string]struct{}, len(out))
	deduped := out[:0]
	for _, c := range out {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		deduped = append(deduped, c)
	}
	return deduped
}

// spelling retries the exact strategy against each suggested spelling
func (r *Resolver) spelling(ctx context.Context, query string) attempt {
	suggestions, err := r.search.SpellingSuggestions(ctx, query)
	if err != nil {
		return attempt{outcome: failed, err: err}
	}

	tried, failures := 0, 0
	var lastErr error
	for _, s := range suggestions {
		s = strings.TrimSpace(s)
		if s == "" || NormalizeName(s) == NormalizeName(query) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		tried++
		a := r.exact(ctx, s, r.cfg.SpellingPenalty)
		switch a.outcome {
		case matched:
			a.resolution.Drug.Synonyms = synonymSet(a.resolution.Drug.Synonyms, []string{s})
			return a
		case failed:
			failures++
			lastErr = a.err
		}
	}

	if tried > 0 && failures == tried {
		return attempt{outcome: failed, err: lastErr}
	}
	return attempt{outcome: noMatch}
}
