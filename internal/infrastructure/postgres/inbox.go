package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-ndc/pkg/idempotency"
)

// InboxSchema creates the batch inbox table. Safe to run repeatedly.
const InboxSchema = `
CREATE TABLE IF NOT EXISTS batch_inbox (
	idempotency_key TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	result          JSONB,
	updated_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS batch_inbox_expires_at_idx ON batch_inbox (expires_at);
`

// InboxStore persists idempotency entries for the batch worker
type InboxStore struct {
	pool *pgxpool.Pool
}

var _ idempotency.Store = (*InboxStore)(nil)

// NewInboxStore creates a store over pool
func NewInboxStore(pool *pgxpool.Pool) *InboxStore {
	return &InboxStore{pool: pool}
}

// EnsureSchema applies InboxSchema
func (s *InboxStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, InboxSchema); err != nil {
		return fmt.Errorf("failed to apply inbox schema: %w", err)
	}
	return nil
}

// Get implements idempotency.Store
func (s *InboxStore) Get(ctx context.Context, key string) (*idempotency.Entry, error) {
	query := `
		SELECT idempotency_key, status, result, updated_at, expires_at
		FROM batch_inbox
		WHERE idempotency_key = $1
	`
	e := &idempotency.Entry{}
	err := s.pool.QueryRow(ctx, query, key).Scan(&e.Key, &e.Status, &e.Result, &e.UpdatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return e, nil
}

// Claim implements idempotency.Store. The conflict clause only takes over
// recoverable or expired entries, so concurrent claims have one winner.
func (s *InboxStore) Claim(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	query := `
		INSERT INTO batch_inbox (idempotency_key, status, result, updated_at, expires_at)
		VALUES ($1, $2, NULL, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status,
		    result = NULL,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at
		WHERE batch_inbox.status = $5 OR batch_inbox.expires_at <= $3
		RETURNING idempotency_key
	`
	var returned string
	err := s.pool.QueryRow(ctx, query, key, idempotency.StatusStarted, now, expiresAt, idempotency.StatusRecoverable).
		Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim failed: %w", err)
	}
	return true, nil
}

// Complete implements idempotency.Store
func (s *InboxStore) Complete(ctx context.Context, key string, status idempotency.Status, result json.RawMessage, now time.Time) error {
	query := `
		UPDATE batch_inbox
		SET status = $1, result = $2, updated_at = $3
		WHERE idempotency_key = $4
	`
	if _, err := s.pool.Exec(ctx, query, status, result, now, key); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

// DeleteExpired implements idempotency.Store
func (s *InboxStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM batch_inbox WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
