// Package batch runs calculation requests consumed from the request topic
// and publishes one result record per request.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/calculator"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/pkg/idempotency"
	"github.com/drfirst/go-ndc/pkg/workerpool"
)

// HeaderRequestID carries the caller's correlation ID when the key is empty
const HeaderRequestID = "x-request-id"

// ErrBacklogged is reported by Ready while the work queue is nearly full
var ErrBacklogged = errors.New("batch work queue backlogged")

// Calculator runs one calculation
type Calculator interface {
	Calculate(ctx context.Context, req *calculator.Request) (*calculator.Response, error)
}

// ResultWriter publishes encoded results
type ResultWriter interface {
	ProduceJSON(ctx context.Context, topic, key string, v any) error
}

// Result is the record written to the result topic
type Result struct {
	RequestID   string               `json:"requestId"`
	Status      string               `json:"status"`
	Response    *calculator.Response `json:"response,omitempty"`
	Error       *ErrorResult         `json:"error,omitempty"`
	Attempts    int                  `json:"attempts"`
	CompletedAt time.Time            `json:"completedAt"`
}

// Result statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrorResult is the caller-safe form of a failed calculation
type ErrorResult struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Config configures a Processor
type Config struct {
	Pool        workerpool.Config
	ResultTopic string
	// Inbox stores results by request ID so redeliveries republish the
	// stored result instead of recalculating; optional
	Inbox *idempotency.Inbox
}

// DefaultConfig returns defaults for the batch worker
func DefaultConfig() Config {
	return Config{
		Pool:        workerpool.DefaultConfig(),
		ResultTopic: redpanda.TopicCalculationResults,
	}
}

type job struct {
	request  calculator.Request
	response *calculator.Response
}

// Processor bounds calculation concurrency with a worker pool. Transient
// failures are retried by the pool, everything else fails the request once.
type Processor struct {
	calc   Calculator
	writer ResultWriter
	pool   *workerpool.Pool[*job]
	inbox  *idempotency.Inbox
	topic  string
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor creates a processor. Call Start before handling messages.
func NewProcessor(calc Calculator, writer ResultWriter, cfg Config, logger *zap.Logger) (*Processor, error) {
	if calc == nil || writer == nil {
		return nil, errors.New("calculator and result writer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTopic == "" {
		cfg.ResultTopic = redpanda.TopicCalculationResults
	}

	p := &Processor{
		calc:   calc,
		writer: writer,
		inbox:  cfg.Inbox,
		topic:  cfg.ResultTopic,
		logger: logger,
		now:    time.Now,
	}
	pool, err := workerpool.New(cfg.Pool, p.run, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Start launches the workers
func (p *Processor) Start() { p.pool.Start() }

// Stop drains queued calculations
func (p *Processor) Stop() { p.pool.Stop() }

// Stats exposes the pool statistics
func (p *Processor) Stats() workerpool.Stats { return p.pool.Stats() }

// Ready returns ErrBacklogged while the work queue is nearly full
func (p *Processor) Ready(context.Context) error {
	if !p.pool.IsHealthy() {
		return ErrBacklogged
	}
	return nil
}

func (p *Processor) run(ctx context.Context, task *workerpool.Task[*job]) error {
	resp, err := p.calc.Calculate(calculator.WithRequestID(ctx, task.ID), &task.Payload.request)
	if err != nil {
		if retryable(err) {
			return err
		}
		return workerpool.Permanent(err)
	}
	task.Payload.response = resp
	return nil
}

func retryable(err error) bool {
	return apperr.IsKind(err, apperr.KindExternalService) ||
		apperr.IsKind(err, apperr.KindCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Handle implements redpanda.MessageHandler. Calculation failures are
// published as failed results; only a failure to publish is returned.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	id := requestID(msg)

	if p.inbox == nil {
		out, err := p.result(ctx, id, msg.Value)
		if err != nil {
			return err
		}
		return p.publish(ctx, id, out)
	}

	res, err := p.inbox.Process(ctx, id, func(ctx context.Context) (json.RawMessage, error) {
		out, err := p.result(ctx, id, msg.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if errors.Is(err, idempotency.ErrInProgress) {
		// The holder publishes the result
		p.logger.Info("request already in progress", zap.String("request_id", id))
		return nil
	}
	if err != nil {
		return err
	}
	if res.Duplicate {
		p.logger.Info("republishing stored result", zap.String("request_id", id))
	}
	return p.publish(ctx, id, res.Result)
}

// result runs the calculation and builds its result record. The error is
// non-nil only when the calculation could not be attempted.
func (p *Processor) result(ctx context.Context, id string, body []byte) (*Result, error) {
	var req calculator.Request
	if err := json.Unmarshal(body, &req); err != nil {
		p.logger.Warn("undecodable calculation request",
			zap.String("request_id", id),
			zap.Error(err))
		return p.newResult(id, nil, apperr.Validation("request body is not valid JSON", nil), 0), nil
	}

	j := &job{request: req}
	res, err := p.pool.SubmitWait(ctx, &workerpool.Task[*job]{ID: id, Payload: j, Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("submit calculation %s: %w", id, err)
	}
	return p.newResult(id, j.response, res.Err, res.Attempts), nil
}

func (p *Processor) newResult(id string, resp *calculator.Response, calcErr error, attempts int) *Result {
	out := &Result{
		RequestID:   id,
		Status:      StatusSucceeded,
		Response:    resp,
		Attempts:    attempts,
		CompletedAt: p.now().UTC(),
	}
	if calcErr != nil {
		e := apperr.From(calcErr)
		out.Status = StatusFailed
		out.Response = nil
		out.Error = &ErrorResult{Code: e.Code, Message: e.Message, Details: e.Details}
		p.logger.Info("calculation failed",
			zap.String("request_id", id),
			zap.String("code", e.Code),
			zap.Int("attempts", attempts),
			zap.Error(calcErr))
	}
	return out
}

func (p *Processor) publish(ctx context.Context, id string, v any) error {
	if err := p.writer.ProduceJSON(ctx, p.topic, id, v); err != nil {
		return fmt.Errorf("publish result %s: %w", id, err)
	}
	return nil
}

func requestID(msg *redpanda.ConsumedMessage) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	if id := msg.Headers[HeaderRequestID]; id != "" {
		return id
	}
	return uuid.NewString()
}
