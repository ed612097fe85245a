package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type drugEntry struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type failingBackend struct {
	*MemoryBackend
	err error
}

func (f *failingBackend) Get(context.Context, string) (*Record, error) { return nil, f.err }
func (f *failingBackend) Set(context.Context, *Record) error           { return f.err }

// gatedBackend holds expired-entry cleanup until release is closed
type gatedBackend struct {
	*MemoryBackend
	release chan struct{}
	done    chan struct{}
}

func (g *gatedBackend) DeleteIfExpired(ctx context.Context, id string, now time.Time) error {
	<-g.release
	defer close(g.done)
	return g.MemoryBackend.DeleteIfExpired(ctx, id, now)
}

type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *countingRecorder) CacheResult(_, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[result]++
}

func (r *countingRecorder) count(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[result]
}

func TestCacheSetGet(t *testing.T) {
	ctx := context.Background()
	c := New[drugEntry](NewMemoryBackend(), Config{Namespace: "drug"})

	c.Set(ctx, "drug:norm:lisinopril", drugEntry{ID: "314076", Name: "lisinopril"}, 10*time.Second)

	got, ok := c.Get(ctx, "drug:norm:lisinopril")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.ID != "314076" || got.Name != "lisinopril" {
		t.Errorf("got %+v", got)
	}

	if _, ok := c.Get(ctx, "drug:norm:unknown"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestCacheExpiredIsMiss(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c := New[drugEntry](backend, Config{Namespace: "drug"})

	c.Set(ctx, "k", drugEntry{ID: "1"}, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expired entry returned as hit")
	}

	deadline := time.Now().Add(time.Second)
	for backend.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if backend.Len() != 0 {
		t.Error("expired entry not cleaned up")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := New[drugEntry](NewMemoryBackend(), Config{})

	c.Set(ctx, "k", drugEntry{ID: "1", Tags: []string{"a"}}, time.Minute)
	first, _ := c.Get(ctx, "k")
	first.Tags[0] = "mutated"

	second, _ := c.Get(ctx, "k")
	if second.Tags[0] != "a" {
		t.Errorf("mutation leaked into cache: %v", second.Tags)
	}
}

func TestCacheBackendFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	rec := &countingRecorder{}
	backend := &failingBackend{MemoryBackend: NewMemoryBackend(), err: errors.New("connection refused")}
	c := New[drugEntry](backend, Config{Namespace: "drug", Recorder: rec})

	c.Set(ctx, "k", drugEntry{ID: "1"}, time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on backend failure")
	}
	if rec.count(ResultError) != 2 {
		t.Errorf("errors recorded = %d, want 2", rec.count(ResultError))
	}
}

func TestCacheSetSkippedOnCancelledContext(t *testing.T) {
	backend := NewMemoryBackend()
	c := New[drugEntry](backend, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Set(ctx, "k", drugEntry{ID: "1"}, time.Minute)

	if backend.Len() != 0 {
		t.Error("write should be skipped on cancelled context")
	}
}

func TestCacheUndecodableIsMiss(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	_ = backend.Set(ctx, &Record{
		ID:        HashKey("k"),
		Key:       "k",
		Value:     []byte("{not json"),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	})
	c := New[drugEntry](backend, Config{})

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss for corrupt entry")
	}
}

func TestExpiredCleanupKeepsRewrittenEntry(t *testing.T) {
	ctx := context.Background()
	backend := &gatedBackend{
		MemoryBackend: NewMemoryBackend(),
		release:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	now := time.Now()
	c := New[drugEntry](backend, Config{Now: func() time.Time { return now }})

	c.Set(ctx, "k", drugEntry{ID: "stale"}, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss for expired entry")
	}

	c.Set(ctx, "k", drugEntry{ID: "fresh"}, time.Minute)
	close(backend.release)
	select {
	case <-backend.done:
	case <-time.After(time.Second):
		t.Fatal("cleanup never ran")
	}

	got, ok := c.Get(ctx, "k")
	if !ok || got.ID != "fresh" {
		t.Errorf("got %+v, %v, want fresh entry to survive cleanup", got, ok)
	}
}

func TestMemoryDeleteIfExpired(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	now := time.Now()
	_ = b.Set(ctx, &Record{ID: "old", Key: "old", ExpiresAt: now.Add(-time.Second)})
	_ = b.Set(ctx, &Record{ID: "live", Key: "live", ExpiresAt: now.Add(time.Hour)})

	for _, id := range []string{"old", "live", "missing"} {
		if err := b.DeleteIfExpired(ctx, id, now); err != nil {
			t.Fatalf("DeleteIfExpired(%s) = %v", id, err)
		}
	}
	if _, err := b.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Error("expired record not removed")
	}
	if _, err := b.Get(ctx, "live"); err != nil {
		t.Errorf("live record removed: %v", err)
	}
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New[drugEntry](NewMemoryBackend(), Config{})

	c.Set(ctx, "drug:norm:a", drugEntry{ID: "1"}, time.Minute)
	c.Set(ctx, "drug:norm:b", drugEntry{ID: "2"}, time.Minute)
	c.Set(ctx, "drug:id:1", drugEntry{ID: "1"}, time.Minute)

	c.Invalidate(ctx, "drug:id:1")
	if _, ok := c.Get(ctx, "drug:id:1"); ok {
		t.Error("invalidated key still present")
	}

	if n := c.InvalidatePrefix(ctx, "drug:norm:"); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if _, ok := c.Get(ctx, "drug:norm:a"); ok {
		t.Error("prefix invalidation missed a key")
	}
}

func TestCacheLastWriteWins(t *testing.T) {
	ctx := context.Background()
	c := New[drugEntry](NewMemoryBackend(), Config{})

	c.Set(ctx, "k", drugEntry{ID: "1"}, time.Minute)
	c.Set(ctx, "k", drugEntry{ID: "2"}, time.Minute)

	got, ok := c.Get(ctx, "k")
	if !ok || got.ID != "2" {
		t.Errorf("got %+v, %v", got, ok)
	}
}

func TestHashKeyStable(t *testing.T) {
	if HashKey("drug:id:1") != HashKey("drug:id:1") {
		t.Fatal("hash not deterministic")
	}
	if HashKey("drug:id:1") == HashKey("drug:id:2") {
		t.Fatal("distinct keys collide")
	}
	if len(HashKey("x")) != 64 {
		t.Errorf("hash length = %d", len(HashKey("x")))
	}
}

func TestSweeperBatches(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	past := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		key := "k" + string(rune('a'+i))
		_ = backend.Set(ctx, &Record{ID: HashKey(key), Key: key, ExpiresAt: past})
	}
	_ = backend.Set(ctx, &Record{ID: HashKey("live"), Key: "live", ExpiresAt: time.Now().Add(time.Hour)})

	s := NewSweeper(backend, SweeperConfig{BatchSize: 10, MaxBatches: 2}, nil)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 20 {
		t.Errorf("first sweep removed %d, want 20 (bounded by batches)", n)
	}

	n, err = s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("second sweep removed %d, want 5", n)
	}
	if backend.Len() != 1 {
		t.Errorf("live entry removed, %d remaining", backend.Len())
	}
}
