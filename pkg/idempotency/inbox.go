// Package idempotency provides an inbox that records the outcome of each
// keyed message so redelivered messages reuse the stored result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Entry is an inbox record
type Entry struct {
	Key       string
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store persists inbox entries
type Store interface {
	// Get returns the entry for key, or nil when there is none
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim marks key STARTED. It succeeds for a new key or one that is
	// RECOVERABLE and reports false when another claim holds it.
	Claim(ctx context.Context, key string, now, expiresAt time.Time) (bool, error)
	// Complete records the final status and result of key
	Complete(ctx context.Context, key string, status Status, result json.RawMessage, now time.Time) error
	// DeleteExpired removes entries past their expiry
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a result is kept for redeliveries
	TTL time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
}

// DefaultInboxConfig returns defaults sized to the request topic retention
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// ErrInProgress indicates another consumer holds the key
var ErrInProgress = errors.New("message in progress by another handler")

// ProcessResult is the outcome of Process
type ProcessResult struct {
	// Duplicate is true when Result came from an earlier run
	Duplicate    bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc produces the result to record
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over store
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn once per key. A finished key returns its stored result
// without calling fn. A failed run leaves the key RECOVERABLE for the next
// delivery.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil && i.now().Before(entry.ExpiresAt) {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// Abandoned by a crashed consumer
			if err := i.store.Complete(ctx, key, StatusRecoverable, nil, i.now()); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true

		case StatusRecoverable:
			recovered = true
		}
	}

	now := i.now()
	claimed, err := i.store.Claim(ctx, key, now, now.Add(i.config.TTL))
	if err != nil {
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}
	if !claimed {
		return nil, ErrInProgress
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		if err := i.store.Complete(ctx, key, StatusRecoverable, nil, i.now()); err != nil {
			i.logger.Error("failed to mark recoverable", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(fnErr)
		return nil, fnErr
	}

	if err := i.store.Complete(ctx, key, StatusFinished, result, i.now()); err != nil {
		// The result is still valid; a redelivery just recomputes it
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.store.DeleteExpired(i.ctx, i.now())
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// MemoryStore keeps entries in process
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Claim implements Store
func (m *MemoryStore) Claim(_ context.Context, key string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.Status != StatusRecoverable && now.Before(e.ExpiresAt) {
		return false, nil
	}
	m.entries[key] = Entry{Key: key, Status: StatusStarted, UpdatedAt: now, ExpiresAt: expiresAt}
	return true, nil
}

// Complete implements Store
func (m *MemoryStore) Complete(_ context.Context, key string, status Status, result json.RawMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("inbox entry %s not found", key)
	}
	e.Status = status
	e.Result = result
	e.UpdatedAt = now
	m.entries[key] = e
	return nil
}

// DeleteExpired implements Store
func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
