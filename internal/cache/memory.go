package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used when no database is configured
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Value = append([]byte(nil), r.Value...)
	return &cp
}

// Get returns a copy of the record for id
func (m *MemoryBackend) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// Set stores a copy of rec
func (m *MemoryBackend) Set(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = copyRecord(rec)
	return nil
}

// Delete removes the record for id
func (m *MemoryBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// DeleteIfExpired removes the record for id if it has expired at now
func (m *MemoryBackend) DeleteIfExpired(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok && r.Expired(now) {
		delete(m.records, id)
	}
	return nil
}

// DeletePrefix removes every record whose key starts with prefix
func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if strings.HasPrefix(r.Key, prefix) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes up to limit expired records
func (m *MemoryBackend) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if r.Expired(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds
func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored records, expired or not
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
