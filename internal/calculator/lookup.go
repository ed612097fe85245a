package calculator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/ndc"
)

// KeyPrefixPackages prefixes cached catalog answers
const KeyPrefixPackages = "ndc:lookup:"

// Exclusion reasons
const (
	ReasonInvalidCode = "invalid package code"
	ReasonInactive    = "inactive"
)

// PackageCatalog is the package-catalog collaborator
type PackageCatalog interface {
	// Packages returns every package listed for a drug identifier, active or
	// not, with codes as listed
	Packages(ctx context.Context, id string) ([]ndc.Package, error)
}

// LookupResult holds the packages eligible for matching and the ones left out
type LookupResult struct {
	Packages []ndc.Package `json:"packages"`
	Excluded []Excluded    `json:"excluded,omitempty"`
}

// PackageLookup is a cache-aside view over a PackageCatalog
type PackageLookup struct {
	catalog PackageCatalog
	cache   *cache.Cache[LookupResult]
	ttl     time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPackageLookup creates a lookup caching catalog answers for ttl
func NewPackageLookup(catalog PackageCatalog, backend cache.Backend, ttl time.Duration, recorder cache.Recorder, logger *zap.Logger) *PackageLookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = cache.NewMemoryBackend()
	}
	return &PackageLookup{
		catalog: catalog,
		cache: cache.New[LookupResult](backend, cache.Config{
			Namespace: "ndc",
			Logger:    logger,
			Recorder:  recorder,
		}),
		ttl:    ttl,
		logger: logger,
		tracer: otel.Tracer("calculator"),
	}
}

// Lookup returns the canonicalized packages for id. Packages with
// non-canonical codes or that are inactive are reported as excluded. An
// empty catalog answer is a not-found error.
func (l *PackageLookup) Lookup(ctx context.Context, id string) (*LookupResult, error) {
	ctx, span := l.tracer.Start(ctx, "package_lookup", trace.WithAttributes(attribute.String("drug.id", id)))
	defer span.End()

	key := KeyPrefixPackages + id
	if cached, ok := l.cache.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return &cached, nil
	}

	listed, err := l.catalog.Packages(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(listed) == 0 {
		return nil, apperr.NotFound(apperr.CodePackagesNotFound, "no packages found for drug "+id)
	}

	result := partition(listed)
	span.SetAttributes(
		attribute.Int("packages.active", len(result.Packages)),
		attribute.Int("packages.excluded", len(result.Excluded)))

	l.cache.Set(ctx, key, result, l.ttl)
	return &result, nil
}

// Invalidate drops the cached answer for id
func (l *PackageLookup) Invalidate(ctx context.Context, id string) {
	l.cache.Invalidate(ctx, KeyPrefixPackages+id)
}

func partition(listed []ndc.Package) LookupResult {
	result := LookupResult{Packages: make([]ndc.Package, 0, len(listed))}
	seen := make(map[string]bool, len(listed))
	for _, p := range listed {
		canonical, err := p.Canonicalize()
		if err != nil {
			result.Excluded = append(result.Excluded, Excluded{Code: p.Code, Reason: ReasonInvalidCode})
			continue
		}
		if seen[canonical.Code] {
			continue
		}
		seen[canonical.Code] = true
		if !canonical.IsActive {
			result.Excluded = append(result.Excluded, Excluded{Code: canonical.Code, Reason: ReasonInactive})
			continue
		}
		result.Packages = append(result.Packages, canonical)
	}
	return result
}
