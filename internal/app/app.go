// Package app assembles the calculator's components from configuration.
// Every binary builds its dependencies here so they share one wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/calculator"
	"github.com/drfirst/go-ndc/internal/clients"
	"github.com/drfirst/go-ndc/internal/clients/openai"
	"github.com/drfirst/go-ndc/internal/clients/openfda"
	"github.com/drfirst/go-ndc/internal/clients/rxnorm"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/drug"
	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/matcher"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/observability/tracing"
	"github.com/drfirst/go-ndc/internal/recommender"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
	"github.com/drfirst/go-ndc/pkg/idempotency"
)

// Version is reported by health endpoints and traces
const Version = "1.0.0"

// BreakerAI names the AI recommender's circuit breaker
const BreakerAI = "openai"

// NewLogger builds the process logger: JSON in production, console otherwise
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	var zc zap.Config
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Options selects optional parts of the graph
type Options struct {
	ServiceName string
	// Registerer receives the metrics; nil uses a private registry
	Registerer prometheus.Registerer
	// Events publishes calculation events when brokers are configured
	Events bool
}

// App holds the assembled components
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Breakers   *circuitbreaker.Manager
	Cache      cache.Backend
	Resolver   *drug.Resolver
	Calculator *calculator.Service
	// Producer is nil when no brokers are configured
	Producer *redpanda.Producer

	db      *pgxpool.Pool
	tracing *tracing.Provider
}

// New builds the application graph
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	tcfg := tracing.DefaultConfig(opts.ServiceName)
	tcfg.ServiceVersion = Version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	if a.tracing, err = tracing.Init(ctx, tcfg, logger); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a.Metrics = metrics.New(opts.Registerer)
	a.Breakers = circuitbreaker.NewManager(logger, a.Metrics.BreakerStateChanged)

	if a.Cache, err = a.cacheBackend(ctx); err != nil {
		return nil, err
	}

	lookupCfg := clients.DefaultConfig("")
	lookupCfg.Timeout = cfg.LookupTimeout
	lookupCfg.MaxAttempts = uint(cfg.RetryMaxAttempts)

	rxCfg := lookupCfg
	rxCfg.BaseURL = cfg.RxNormBaseURL
	names, err := rxnorm.New(rxCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create rxnorm client: %w", err)
	}

	fdaCfg := lookupCfg
	fdaCfg.BaseURL = cfg.OpenFDABaseURL
	catalog, err := openfda.New(fdaCfg, cfg.OpenFDAAPIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("create openfda client: %w", err)
	}

	resolverCfg := drug.DefaultConfig()
	resolverCfg.MinConfidence = cfg.MinConfidence
	resolverCfg.CacheTTL = cfg.DrugCacheTTL
	resolverCfg.Recorder = a.Metrics
	resolverCfg.CacheRecorder = a.Metrics
	a.Resolver = drug.New(names, a.Cache, resolverCfg, logger)

	lookup := calculator.NewPackageLookup(catalog, a.Cache, cfg.PackageCacheTTL, a.Metrics, logger)

	rec, err := a.recommender(logger)
	if err != nil {
		return nil, err
	}

	calcCfg := calculator.DefaultConfig()
	calcCfg.Recorder = a.Metrics
	if opts.Events && len(cfg.KafkaBrokers) > 0 {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		pcfg.Produced = a.Metrics.KafkaMessagesProduced
		if a.Producer, err = redpanda.NewProducer(pcfg, logger); err != nil {
			return nil, fmt.Errorf("create producer: %w", err)
		}
		calcCfg.Publisher = redpanda.NewEventPublisher(a.Producer)
	}
	a.Calculator = calculator.New(a.Resolver, lookup, rec, calcCfg, logger)

	logger.Info("application assembled",
		zap.String("service", opts.ServiceName),
		zap.Bool("postgres_cache", a.db != nil),
		zap.Bool("ai", rec.AIEnabled()),
		zap.Bool("events", a.Producer != nil),
		zap.Bool("multi_pack_fallback", cfg.MultiPackFallback))
	return a, nil
}

func (a *App) cacheBackend(ctx context.Context) (cache.Backend, error) {
	if a.Config.DatabaseURL == "" {
		a.Logger.Warn("DATABASE_URL not set, caching in memory")
		return cache.NewMemoryBackend(), nil
	}
	db, err := postgres.Connect(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	backend := postgres.NewCacheBackend(db, a.Logger)
	if err := backend.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

func (a *App) recommender(logger *zap.Logger) (*recommender.Resilient, error) {
	policy := matcher.DefaultPolicy()
	policy.MultiPackFallback = a.Config.MultiPackFallback
	m := matcher.New(policy, logger)

	recCfg := recommender.DefaultConfig()
	recCfg.Timeout = a.Config.AITimeout
	recCfg.Recorder = a.Metrics

	if !a.Config.AIConfigured() {
		return recommender.New(nil, nil, m, recCfg, logger), nil
	}

	aiCfg := openai.DefaultConfig()
	aiCfg.BaseURL = a.Config.OpenAIBaseURL
	aiCfg.APIKey = a.Config.OpenAIAPIKey
	aiCfg.Model = a.Config.OpenAIModel
	aiCfg.Enabled = a.Config.AIEnabled
	aiCfg.Timeout = a.Config.AITimeout
	ai, err := openai.New(aiCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	bcfg := circuitbreaker.DefaultConfig(BreakerAI)
	bcfg.FailureThreshold = uint32(a.Config.BreakerFailureThreshold)
	bcfg.Timeout = a.Config.BreakerCooldown
	breaker, err := a.Breakers.GetOrCreate(BreakerAI, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}
	return recommender.New(ai, breaker, m, recCfg, logger), nil
}

// NewSweeper returns a sweeper over the app's cache backend
func (a *App) NewSweeper() *cache.Sweeper {
	return cache.NewSweeper(a.Cache, cache.SweeperConfig{
		Interval:  a.Config.CacheSweepInterval,
		BatchSize: a.Config.CacheSweepBatch,
		Recorder:  a.Metrics,
	}, a.Logger)
}

// NewInbox returns the batch idempotency inbox, stored in Postgres when the
// cache is and in memory otherwise
func (a *App) NewInbox(ctx context.Context) (*idempotency.Inbox, error) {
	var store idempotency.Store = idempotency.NewMemoryStore()
	if a.db != nil {
		pg := postgres.NewInboxStore(a.db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = pg
	}
	return idempotency.NewInbox(store, idempotency.DefaultInboxConfig(), a.Logger), nil
}

// Close waits for pending events and releases connections
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Calculator != nil {
		a.Calculator.Wait()
	}
	if a.Producer != nil {
		a.Producer.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
