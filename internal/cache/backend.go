// Package cache provides a TTL cache-aside store over a pluggable byte backend.
// Every operation fails soft: backend errors become misses or are logged and
// swallowed, so the cache never fails a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by backends when no record exists for an id
var ErrNotFound = errors.New("cache: record not found")

// Record is a stored cache entry. ID is the hashed key; Key is kept for
// prefix invalidation and diagnostics.
type Record struct {
	ID        string
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record has expired at now
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Backend is the persistence contract the cache is built on.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the record for id, or ErrNotFound
	Get(ctx context.Context, id string) (*Record, error)
	// Set stores the record, replacing any existing one (last write wins)
	Set(ctx context.Context, rec *Record) error
	// Delete removes the record for id; deleting a missing id is not an error
	Delete(ctx context.Context, id string) error
	// DeleteIfExpired removes the record for id only if it has expired at now,
	// so a concurrent fresh Set survives
	DeleteIfExpired(ctx context.Context, id string, now time.Time) error
	// DeletePrefix removes every record whose Key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// DeleteExpired removes at most limit records expired before now
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	// Ping verifies connectivity
	Ping(ctx context.Context) error
}

// HashKey derives the storage id for a cache key
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
