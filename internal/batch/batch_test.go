package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/calculator"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/pkg/idempotency"
	"github.com/drfirst/go-ndc/pkg/workerpool"
)

type fakeCalculator struct {
	calls atomic.Int32
	fn    func(call int32, req *calculator.Request) (*calculator.Response, error)
}

func (f *fakeCalculator) Calculate(_ context.Context, req *calculator.Request) (*calculator.Response, error) {
	return f.fn(f.calls.Add(1), req)
}

type produced struct {
	topic, key string
	value      *Result
}

type fakeWriter struct {
	mu      sync.Mutex
	records []produced
	err     error
}

func (f *fakeWriter) ProduceJSON(_ context.Context, topic, key string, v any) error {
	if f.err != nil {
		return f.err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, produced{topic: topic, key: key, value: &out})
	return nil
}

func newTestProcessor(t *testing.T, calc Calculator, w ResultWriter) *Processor {
	t.Helper()
	return newProcessorWithInbox(t, calc, w, nil)
}

func newProcessorWithInbox(t *testing.T, calc Calculator, w ResultWriter, inbox *idempotency.Inbox) *Processor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Inbox = inbox
	cfg.Pool.Workers = 2
	cfg.Pool.QueueSize = 4
	cfg.Pool.RetryDelay = time.Millisecond
	p, err := NewProcessor(calc, w, cfg, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func message(t *testing.T, key string, req calculator.Request) *redpanda.ConsumedMessage {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicCalculationRequests, Key: []byte(key), Value: body}
}

func lisinopril() calculator.Request {
	req := calculator.Request{DaysSupply: 30}
	req.Drug.Name = "Lisinopril 10mg tablet"
	req.Sig.Dose = 1
	req.Sig.Frequency = 1
	req.Sig.Unit = "tablet"
	return req
}

func TestHandlePublishesSuccess(t *testing.T) {
	calc := &fakeCalculator{fn: func(_ int32, req *calculator.Request) (*calculator.Response, error) {
		if req.Drug.Name != "Lisinopril 10mg tablet" {
			t.Errorf("drug = %q", req.Drug.Name)
		}
		return &calculator.Response{TotalQuantity: 30}, nil
	}}
	w := &fakeWriter{}
	p := newTestProcessor(t, calc, w)

	if err := p.Handle(context.Background(), message(t, "req-1", lisinopril())); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(w.records) != 1 {
		t.Fatalf("records = %d, want 1", len(w.records))
	}
	rec := w.records[0]
	if rec.topic != redpanda.TopicCalculationResults || rec.key != "req-1" {
		t.Errorf("topic/key = %s/%s", rec.topic, rec.key)
	}
	if rec.value.Status != StatusSucceeded || rec.value.Response.TotalQuantity != 30 || rec.value.Attempts != 1 {
		t.Errorf("result = %+v", rec.value)
	}
}

func TestHandleRetriesUpstreamFailures(t *testing.T) {
	calc := &fakeCalculator{fn: func(call int32, _ *calculator.Request) (*calculator.Response, error) {
		if call == 1 {
			return nil, apperr.ExternalService("openfda", errors.New("502"))
		}
		return &calculator.Response{TotalQuantity: 30}, nil
	}}
	w := &fakeWriter{}
	p := newTestProcessor(t, calc, w)

	if err := p.Handle(context.Background(), message(t, "req-2", lisinopril())); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := w.records[0].value; got.Status != StatusSucceeded || got.Attempts != 2 {
		t.Errorf("result = %+v", got)
	}
}

func TestHandlePublishesBusinessFailureOnce(t *testing.T) {
	calc := &fakeCalculator{fn: func(int32, *calculator.Request) (*calculator.Response, error) {
		return nil, apperr.NotFound(apperr.CodeDrugNotFound, "drug not found")
	}}
	w := &fakeWriter{}
	p := newTestProcessor(t, calc, w)

	if err := p.Handle(context.Background(), message(t, "req-3", lisinopril())); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calc.calls.Load() != 1 {
		t.Errorf("calls = %d, not found must not be retried", calc.calls.Load())
	}
	got := w.records[0].value
	if got.Status != StatusFailed || got.Error == nil || got.Error.Code != apperr.CodeDrugNotFound || got.Response != nil {
		t.Errorf("result = %+v", got)
	}
}

func TestHandleRejectsUndecodableBody(t *testing.T) {
	calc := &fakeCalculator{fn: func(int32, *calculator.Request) (*calculator.Response, error) {
		t.Error("calculator must not run")
		return nil, nil
	}}
	w := &fakeWriter{}
	p := newTestProcessor(t, calc, w)

	msg := &redpanda.ConsumedMessage{Value: []byte("{"), Headers: map[string]string{HeaderRequestID: "hdr-id"}}
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := w.records[0]
	if got.key != "hdr-id" || got.value.Error == nil || got.value.Error.Code != apperr.CodeInvalidRequest {
		t.Errorf("record = %+v", got)
	}
}

func TestHandleReturnsPublishFailure(t *testing.T) {
	calc := &fakeCalculator{fn: func(int32, *calculator.Request) (*calculator.Response, error) {
		return &calculator.Response{}, nil
	}}
	p := newTestProcessor(t, calc, &fakeWriter{err: errors.New("broker down")})

	if err := p.Handle(context.Background(), message(t, "req-4", lisinopril())); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	if _, err := NewProcessor(nil, &fakeWriter{}, DefaultConfig(), nil); err == nil {
		t.Error("expected error without calculator")
	}
}

func TestHandleRepublishesStoredResult(t *testing.T) {
	calc := &fakeCalculator{fn: func(int32, *calculator.Request) (*calculator.Response, error) {
		return &calculator.Response{TotalQuantity: 30}, nil
	}}
	w := &fakeWriter{}
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultInboxConfig(), nil)
	p := newProcessorWithInbox(t, calc, w, inbox)

	msg := message(t, "req-5", lisinopril())
	for i := 0; i < 2; i++ {
		if err := p.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}

	if calc.calls.Load() != 1 {
		t.Errorf("calls = %d, redelivery must not recalculate", calc.calls.Load())
	}
	if len(w.records) != 2 {
		t.Fatalf("records = %d, want 2", len(w.records))
	}
	if !w.records[0].value.CompletedAt.Equal(w.records[1].value.CompletedAt) {
		t.Error("redelivery should publish the stored result")
	}
	if w.records[1].value.Response.TotalQuantity != 30 {
		t.Errorf("republished = %+v", w.records[1].value)
	}
}

func TestReadyReportsBacklog(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.QueueSize = 2
	p, err := NewProcessor(&fakeCalculator{}, &fakeWriter{}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	// not started: queued jobs stay queued
	if err := p.Ready(context.Background()); err != nil {
		t.Fatalf("empty queue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p.pool.Submit(&workerpool.Task[*job]{Payload: &job{}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Ready(context.Background()); !errors.Is(err, ErrBacklogged) {
		t.Errorf("full queue: err = %v, want ErrBacklogged", err)
	}
}
