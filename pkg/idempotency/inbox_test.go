package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestInbox() (*Inbox, *MemoryStore, *clock) {
	store := NewMemoryStore()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	inbox := NewInbox(store, InboxConfig{TTL: time.Hour, RecoveryTimeout: time.Minute}, nil)
	inbox.now = c.now
	return inbox, store, c
}

func TestProcessRunsOncePerKey(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"totalQuantity":30}`), nil
	}

	first, err := inbox.Process(ctx, "req-1", fn)
	if err != nil || first.Duplicate {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := inbox.Process(ctx, "req-1", fn)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || string(second.Result) != `{"totalQuantity":30}` {
		t.Errorf("second = %+v", second)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestProcessFailureIsRecoverable(t *testing.T) {
	inbox, store, _ := newTestInbox()
	ctx := context.Background()

	boom := errors.New("cancelled")
	if _, err := inbox.Process(ctx, "req-2", func(context.Context) (json.RawMessage, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if e, _ := store.Get(ctx, "req-2"); e == nil || e.Status != StatusRecoverable {
		t.Fatalf("entry = %+v", e)
	}

	res, err := inbox.Process(ctx, "req-2", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || !res.WasRecovered || res.Duplicate {
		t.Errorf("retry = %+v, %v", res, err)
	}
}

func TestProcessInProgressAndAbandoned(t *testing.T) {
	inbox, store, c := newTestInbox()
	ctx := context.Background()

	if ok, _ := store.Claim(ctx, "req-3", c.t, c.t.Add(time.Hour)); !ok {
		t.Fatal("claim failed")
	}
	never := func(context.Context) (json.RawMessage, error) {
		t.Error("fn must not run while another handler holds the key")
		return nil, nil
	}
	if _, err := inbox.Process(ctx, "req-3", never); !errors.Is(err, ErrInProgress) {
		t.Fatalf("err = %v, want ErrInProgress", err)
	}

	c.t = c.t.Add(2 * time.Minute)
	res, err := inbox.Process(ctx, "req-3", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil || !res.WasRecovered {
		t.Errorf("abandoned entry should be recovered: %+v, %v", res, err)
	}
}

func TestExpiredEntriesAreReprocessed(t *testing.T) {
	inbox, store, c := newTestInbox()
	ctx := context.Background()

	fn := func(context.Context) (json.RawMessage, error) { return json.RawMessage(`1`), nil }
	if _, err := inbox.Process(ctx, "req-4", fn); err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(2 * time.Hour)
	res, err := inbox.Process(ctx, "req-4", fn)
	if err != nil || res.Duplicate {
		t.Errorf("expired entry should rerun: %+v, %v", res, err)
	}

	n, _ := store.DeleteExpired(ctx, c.t.Add(2*time.Hour))
	if n != 1 {
		t.Errorf("DeleteExpired = %d, want 1", n)
	}
}
