// Package config loads the service configuration from the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is built once at startup and
// passed to constructors by value.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// DatabaseURL selects the Postgres cache backend; empty caches in memory
	DatabaseURL string
	// KafkaBrokers enables calculation events; empty disables them
	KafkaBrokers []string
	// OTLPEndpoint enables trace export; empty disables it
	OTLPEndpoint string
	// APIKeys maps accepted keys to client names; empty disables auth
	APIKeys map[string]string

	RxNormBaseURL  string
	OpenFDABaseURL string
	OpenFDAAPIKey  string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	AIEnabled      bool

	LookupTimeout    time.Duration
	AITimeout        time.Duration
	RetryMaxAttempts int

	MinConfidence   float64
	DrugCacheTTL    time.Duration
	PackageCacheTTL time.Duration

	CacheSweepInterval time.Duration
	CacheSweepBatch    int

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	MultiPackFallback bool

	RateLimitRPS   float64
	RateLimitBurst int64

	BatchWorkers int
}

// Load reads an optional .env file, then the environment, and validates the
// result
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		Port:     e.getString("PORT", "8080"),
		Env:      strings.ToLower(e.getString("ENV", "development")),
		LogLevel: strings.ToLower(e.getString("LOG_LEVEL", "info")),

		DatabaseURL:  e.getString("DATABASE_URL", ""),
		KafkaBrokers: e.list("KAFKA_BROKERS"),
		OTLPEndpoint: e.getString("OTLP_ENDPOINT", ""),
		APIKeys:      e.keys("API_KEYS"),

		RxNormBaseURL:  e.getString("RXNORM_BASE_URL", "https://rxnav.nlm.nih.gov/REST"),
		OpenFDABaseURL: e.getString("OPENFDA_BASE_URL", "https://api.fda.gov"),
		OpenFDAAPIKey:  e.getString("OPENFDA_API_KEY", ""),
		OpenAIBaseURL:  e.getString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:   e.getString("OPENAI_API_KEY", ""),
		OpenAIModel:    e.getString("OPENAI_MODEL", "gpt-4o-mini"),
		AIEnabled:      e.getBool("AI_ENABLED", true),

		LookupTimeout:    e.getDuration("LOOKUP_TIMEOUT", 2*time.Second),
		AITimeout:        e.getDuration("AI_TIMEOUT", 30*time.Second),
		RetryMaxAttempts: e.getInt("RETRY_MAX_ATTEMPTS", 3),

		MinConfidence:   e.getFloat("MIN_CONFIDENCE", 0.7),
		DrugCacheTTL:    e.getDuration("DRUG_CACHE_TTL", 24*time.Hour),
		PackageCacheTTL: e.getDuration("PACKAGE_CACHE_TTL", 6*time.Hour),

		CacheSweepInterval: e.getDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		CacheSweepBatch:    e.getInt("CACHE_SWEEP_BATCH", 500),

		BreakerFailureThreshold: e.getInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerCooldown:         e.getDuration("BREAKER_COOLDOWN", 5*time.Minute),

		MultiPackFallback: e.getBool("MULTI_PACK_FALLBACK", true),

		RateLimitRPS:   e.getFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: int64(e.getInt("RATE_LIMIT_BURST", 50)),

		BatchWorkers: e.getInt("BATCH_WORKERS", 8),
	}

	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("configuration parse failed: %w", errors.Join(e.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c Config) Validate() error {
	var errs []error
	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %q", c.Port))
	}
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("ENV must be one of development, staging, production, test, got %q", c.Env))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel))
	}
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE must be in (0, 1], got %v", c.MinConfidence))
	}
	positive := map[string]time.Duration{
		"LOOKUP_TIMEOUT":       c.LookupTimeout,
		"AI_TIMEOUT":           c.AITimeout,
		"DRUG_CACHE_TTL":       c.DrugCacheTTL,
		"PACKAGE_CACHE_TTL":    c.PackageCacheTTL,
		"CACHE_SWEEP_INTERVAL": c.CacheSweepInterval,
		"BREAKER_COOLDOWN":     c.BreakerCooldown,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be between 1 and 10, got %d", c.RetryMaxAttempts))
	}
	if c.CacheSweepBatch < 1 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_BATCH must be positive, got %d", c.CacheSweepBatch))
	}
	if c.BreakerFailureThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	if c.BatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.BatchWorkers))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in production
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// AIConfigured reports whether the AI recommender can be used
func (c Config) AIConfigured() bool {
	return c.AIEnabled && c.OpenAIAPIKey != ""
}

// RateLimited reports whether API rate limiting is on
func (c Config) RateLimited() bool {
	return c.RateLimitRPS > 0 && c.RateLimitBurst > 0
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) getString(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) getFloat(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) getBool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	v, ok := e.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// keys parses "key:client,key2:client2". A bare key is named after its
// position.
func (e *env) keys(key string) map[string]string {
	items := e.list(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for i, item := range items {
		k, client, found := strings.Cut(item, ":")
		k = strings.TrimSpace(k)
		if !found || strings.TrimSpace(client) == "" {
			client = fmt.Sprintf("client-%d", i+1)
		}
		out[k] = strings.TrimSpace(client)
	}
	return out
}
