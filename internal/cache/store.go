package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
)

// Lookup results reported to a Recorder
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
	ResultError   = "error"
)

// cleanupTimeout bounds the best-effort delete of an expired record
const cleanupTimeout = 5 * time.Second

// Recorder observes cache lookups
type Recorder interface {
	CacheResult(namespace, result string)
}

type nopRecorder struct{}

func (nopRecorder) CacheResult(string, string) {}

// Config configures a Cache
type Config struct {
	// Namespace labels metrics and logs, e.g. "drug" or "ndc"
	Namespace string
	Logger    *zap.Logger
	Recorder  Recorder
	// Now overrides the clock in tests
	Now func() time.Time
}

// Cache is a typed view over a Backend. Values are stored as JSON, so every
// Get returns an independent copy.
type Cache[T any] struct {
	backend   Backend
	namespace string
	logger    *zap.Logger
	recorder  Recorder
	now       func() time.Time
}

// New creates a typed cache over backend
func New[T any](backend Backend, cfg Config) *Cache[T] {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[T]{
		backend:   backend,
		namespace: cfg.Namespace,
		logger:    cfg.Logger.With(zap.String("cache", cfg.Namespace)),
		recorder:  cfg.Recorder,
		now:       cfg.Now,
	}
}

// Get returns the cached value for key. Missing, expired, undecodable and
// unreadable entries are all misses.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	id := HashKey(key)

	rec, err := c.backend.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.recorder.CacheResult(c.namespace, ResultMiss)
			return zero, false
		}
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(apperr.Cache("get", err)))
		c.recorder.CacheResult(c.namespace, ResultError)
		return zero, false
	}

	if rec.Expired(c.now()) {
		c.recorder.CacheResult(c.namespace, ResultExpired)
		c.deleteAsync(ctx, id, key, rec.ExpiresAt)
		return zero, false
	}

	var value T
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		c.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		c.recorder.CacheResult(c.namespace, ResultError)
		c.deleteAsync(ctx, id, key, rec.ExpiresAt)
		return zero, false
	}

	c.recorder.CacheResult(c.namespace, ResultHit)
	return value, true
}

// Set stores value under key for ttl. Failures are logged and swallowed; a
// cancelled context skips the write.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) {
	if ctx.Err() != nil {
		return
	}
	if ttl <= 0 {
		c.logger.Debug("cache write skipped, non-positive ttl", zap.String("key", key))
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache entry unencodable", zap.String("key", key), zap.Error(err))
		return
	}

	now := c.now()
	rec := &Record{
		ID:        HashKey(key),
		Key:       key,
		Value:     data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.backend.Set(ctx, rec); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(apperr.Cache("set", err)))
		c.recorder.CacheResult(c.namespace, ResultError)
	}
}

// Invalidate removes key
func (c *Cache[T]) Invalidate(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, HashKey(key)); err != nil {
		c.logger.Warn("cache invalidate failed", zap.String("key", key), zap.Error(apperr.Cache("invalidate", err)))
	}
}

// InvalidatePrefix removes every key starting with prefix and returns the
// number removed
func (c *Cache[T]) InvalidatePrefix(ctx context.Context, prefix string) int64 {
	n, err := c.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		c.logger.Warn("cache prefix invalidate failed", zap.String("prefix", prefix), zap.Error(apperr.Cache("invalidate", err)))
		return 0
	}
	c.logger.Debug("cache prefix invalidated", zap.String("prefix", prefix), zap.Int64("removed", n))
	return n
}

// deleteAsync removes the record read for id. A record rewritten by Set in
// the meantime carries a later expiry than seen and is kept.
func (c *Cache[T]) deleteAsync(ctx context.Context, id, key string, seen time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	go func() {
		defer cancel()
		if err := c.backend.DeleteIfExpired(ctx, id, seen); err != nil {
			c.logger.Debug("expired entry cleanup failed", zap.String("key", key), zap.Error(err))
		}
	}()
}
