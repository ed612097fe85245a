package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/pkg/idempotency"
)

func TestLikePrefix(t *testing.T) {
	tests := map[string]string{
		"drug:norm:": "drug:norm:%",
		"100%_off":   `100\%\_off%`,
		`back\slash`: `back\\slash%`,
		"":           "%",
	}
	for in, want := range tests {
		if got := likePrefix(in); got != want {
			t.Errorf("likePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

// newTestBackend connects to NDC_TEST_DATABASE_URL or skips
func newTestBackend(t *testing.T) *CacheBackend {
	t.Helper()
	url := os.Getenv("NDC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NDC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	b := NewCacheBackend(pool, nil)
	if err := b.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE cache_entries"); err != nil {
		t.Fatal(err)
	}
	return b
}

func record(key string, expiresIn time.Duration) *cache.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &cache.Record{
		ID:        cache.HashKey(key),
		Key:       key,
		Value:     []byte(`{"id":"314076"}`),
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	}
}

func TestCacheBackendRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	rec := record("drug:norm:lisinopril", time.Hour)
	if err := b.Set(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != rec.Key || string(got.Value) != string(rec.Value) || !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("got %+v, want %+v", got, rec)
	}

	rec.Value = []byte(`{"id":"29046"}`)
	if err := b.Set(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ = b.Get(ctx, rec.ID)
	if string(got.Value) != `{"id":"29046"}` {
		t.Errorf("upsert did not replace value: %s", got.Value)
	}

	if err := b.Delete(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, rec.ID); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCacheBackendDeleteIfExpired(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	rec := record("drug:id:314076", -time.Minute)
	if err := b.Set(ctx, rec); err != nil {
		t.Fatal(err)
	}
	seen := rec.ExpiresAt

	fresh := record("drug:id:314076", time.Hour)
	if err := b.Set(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteIfExpired(ctx, rec.ID, seen); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, rec.ID); err != nil {
		t.Fatalf("rewritten record removed: %v", err)
	}

	if err := b.DeleteIfExpired(ctx, rec.ID, fresh.ExpiresAt); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, rec.ID); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCacheBackendDeletePrefixAndExpired(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, r := range []*cache.Record{
		record("drug:norm:a", time.Hour),
		record("drug:norm:b", time.Hour),
		record("drug:id:1", -time.Minute),
		record("ndc:lookup:1", -time.Minute),
		record("ndc:lookup:2", -time.Minute),
	} {
		if err := b.Set(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := b.DeletePrefix(ctx, "drug:norm:")
	if err != nil || n != 2 {
		t.Errorf("DeletePrefix = %d, %v", n, err)
	}

	n, err = b.DeleteExpired(ctx, time.Now(), 2)
	if err != nil || n != 2 {
		t.Errorf("first sweep = %d, %v", n, err)
	}
	n, err = b.DeleteExpired(ctx, time.Now(), 2)
	if err != nil || n != 1 {
		t.Errorf("second sweep = %d, %v", n, err)
	}

	stats, err := b.GetStats(ctx, time.Now())
	if err != nil || stats.Entries != 0 {
		t.Errorf("stats = %+v, %v", stats, err)
	}
}

func TestInboxStoreClaimOnce(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	s := NewInboxStore(b.pool)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.pool.Exec(ctx, "TRUNCATE batch_inbox"); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	ok, err := s.Claim(ctx, "req-1", now, now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ := s.Claim(ctx, "req-1", now, now.Add(time.Hour)); ok {
		t.Error("second claim must lose while STARTED")
	}

	if err := s.Complete(ctx, "req-1", idempotency.StatusFinished, []byte(`{"status":"succeeded"}`), now); err != nil {
		t.Fatal(err)
	}
	e, err := s.Get(ctx, "req-1")
	if err != nil || e == nil || e.Status != idempotency.StatusFinished {
		t.Fatalf("entry = %+v, %v", e, err)
	}

	n, err := s.DeleteExpired(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("DeleteExpired = %d, %v", n, err)
	}
}
