// Package postgres provides the PostgreSQL cache backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/cache"
)

// Schema creates the cache table. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key_hash   TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	value      BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_entries_expires_at_idx ON cache_entries (expires_at);
CREATE INDEX IF NOT EXISTS cache_entries_key_prefix_idx ON cache_entries (key text_pattern_ops);
`

// CacheBackend stores cache records in Postgres
type CacheBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

var _ cache.Backend = (*CacheBackend)(nil)

// Connect opens a pool against databaseURL and verifies it
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// NewCacheBackend creates a backend over pool
func NewCacheBackend(pool *pgxpool.Pool, logger *zap.Logger) *CacheBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheBackend{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("postgres-cache"),
	}
}

// EnsureSchema applies Schema
func (b *CacheBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply cache schema: %w", err)
	}
	b.logger.Info("cache schema ready")
	return nil
}

// Get implements cache.Backend
func (b *CacheBackend) Get(ctx context.Context, id string) (*cache.Record, error) {
	ctx, span := b.tracer.Start(ctx, "cache_get")
	defer span.End()

	query := `
		SELECT key_hash, key, value, created_at, expires_at
		FROM cache_entries
		WHERE key_hash = $1
	`
	rec := &cache.Record{}
	err := b.pool.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.Key, &rec.Value, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return rec, nil
}

// Set implements cache.Backend. Concurrent writers resolve last-write-wins.
func (b *CacheBackend) Set(ctx context.Context, rec *cache.Record) error {
	ctx, span := b.tracer.Start(ctx, "cache_set")
	defer span.End()

	query := `
		INSERT INTO cache_entries (key_hash, key, value, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_hash) DO UPDATE
		SET key = EXCLUDED.key,
		    value = EXCLUDED.value,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
	`
	if _, err := b.pool.Exec(ctx, query, rec.ID, rec.Key, rec.Value, rec.CreatedAt, rec.ExpiresAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// Delete implements cache.Backend
func (b *CacheBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.pool.Exec(ctx, "DELETE FROM cache_entries WHERE key_hash = $1", id); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// DeleteIfExpired implements cache.Backend
func (b *CacheBackend) DeleteIfExpired(ctx context.Context, id string, now time.Time) error {
	query := "DELETE FROM cache_entries WHERE key_hash = $1 AND expires_at <= $2"
	if _, err := b.pool.Exec(ctx, query, id, now); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// DeletePrefix implements cache.Backend
func (b *CacheBackend) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	ctx, span := b.tracer.Start(ctx, "cache_delete_prefix",
		trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	result, err := b.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key LIKE $1 ESCAPE '\'`, likePrefix(prefix))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired implements cache.Backend. Rows locked by a concurrent
// sweeper are skipped.
func (b *CacheBackend) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	ctx, span := b.tracer.Start(ctx, "cache_delete_expired",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	query := `
		DELETE FROM cache_entries
		WHERE key_hash IN (
			SELECT key_hash FROM cache_entries
			WHERE expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`
	result, err := b.pool.Exec(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("sweep failed: %w", err)
	}
	span.SetAttributes(attribute.Int64("deleted", result.RowsAffected()))
	return result.RowsAffected(), nil
}

// Ping implements cache.Backend
func (b *CacheBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Stats summarizes the cache table
type Stats struct {
	Entries int64
	Expired int64
}

// GetStats returns entry counts as of now
func (b *CacheBackend) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}
	err := b.pool.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE expires_at <= $1) FROM cache_entries", now).
		Scan(&stats.Entries, &stats.Expired)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix builds a LIKE pattern matching keys that start with prefix
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
