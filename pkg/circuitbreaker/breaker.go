// Package circuitbreaker guards calls to optional backends.
// Wraps sony/gobreaker with OpenTelemetry integration and recommender defaults.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without calling the backend while the circuit is
// open or a half-open probe is already in flight
var ErrCircuitOpen = errors.New("circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the guarded backend
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// Timeout is the cool-down before an open circuit lets a probe through
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open
	MaxRequests uint32
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults for the AI recommender breaker
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		Timeout:          5 * time.Minute,
		MaxRequests:      1,
	}
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	NextRetryAt         *time.Time `json:"nextRetryAt,omitempty"`
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb      *gobreaker.CircuitBreaker
	name    string
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
	notify  func(name string, from, to State)

	requestCounter  metric.Int64Counter
	failureCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	mu                  sync.Mutex
	consecutiveFailures uint32
	lastFailureAt       time.Time
	nextRetryAt         time.Time
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}

	c := &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		logger:  logger,
		tracer:  otel.Tracer("circuit-breaker"),
		notify:  cfg.OnStateChange,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	c.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	c.failureCounter, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	c.rejectedCounter, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Total requests rejected due to open circuit"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	threshold := cfg.FailureThreshold
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		// Interval is left zero so counts clear only on state transitions
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || callerCanceled(err)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			c.onStateChange(from, to)
		},
	})

	return c, nil
}

// Execute runs fn through the breaker. While the circuit is open fn is not
// called and the returned error wraps ErrCircuitOpen. A context.Canceled
// error from fn is returned as is and does not count toward tripping.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.rejectedCounter.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, c.name, err)
		}
		if callerCanceled(err) {
			// The caller gave up; gobreaker counted it as a success
			c.recordSuccess()
			span.SetAttributes(attribute.Bool("caller_canceled", true))
			return nil, err
		}
		c.recordFailure()
		c.failureCounter.Add(ctx, 1, attrs)
		span.RecordError(err)
		return nil, err
	}

	c.recordSuccess()
	return result, nil
}

// callerCanceled reports whether err is a cancellation rather than a backend
// failure. Deadlines still count as failures.
func callerCanceled(err error) bool {
	return errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Do is a typed wrapper over Execute
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := c.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

// Allow reports whether a call would currently be let through. It is advisory:
// an open circuit whose cool-down has elapsed reports true.
func (c *CircuitBreaker) Allow() bool {
	return c.State() != StateOpen
}

func (c *CircuitBreaker) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	c.lastFailureAt = time.Now()
}

func (c *CircuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
}

// State returns the current circuit breaker state. gobreaker performs the
// open to half-open transition lazily, so this reflects elapsed cool-downs.
func (c *CircuitBreaker) State() State {
	return mapState(c.cb.State())
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string {
	return c.name
}

// Snapshot returns the breaker's current state and failure bookkeeping
func (c *CircuitBreaker) Snapshot() Snapshot {
	state := c.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Name:                c.name,
		State:               state,
		ConsecutiveFailures: c.consecutiveFailures,
	}
	if !c.lastFailureAt.IsZero() {
		t := c.lastFailureAt
		s.LastFailureAt = &t
	}
	if state == StateOpen && !c.nextRetryAt.IsZero() {
		t := c.nextRetryAt
		s.NextRetryAt = &t
	}
	return s
}

// onStateChange handles state transitions
func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	fromState := mapState(from)
	toState := mapState(to)

	c.mu.Lock()
	switch toState {
	case StateOpen:
		c.nextRetryAt = time.Now().Add(c.timeout)
	case StateClosed:
		c.consecutiveFailures = 0
		c.nextRetryAt = time.Time{}
	}
	c.mu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(fromState)),
		zap.String("to", string(toState)))

	if c.notify != nil {
		c.notify(c.name, fromState, toState)
	}
}

// mapState converts gobreaker.State to our State type
func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager owns one breaker per guarded backend
type Manager struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	logger   *zap.Logger
	notify   func(name string, from, to State)
}

// NewManager creates a circuit breaker manager. notify, if non-nil, is
// installed on every breaker it creates.
func NewManager(logger *zap.Logger, notify func(name string, from, to State)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
		notify:   notify,
	}
}

// GetOrCreate returns an existing breaker or creates a new one
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg.Name = name
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = m.notify
	}
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}

	m.breakers[name] = cb
	// Report the initial state so gauges exist before the first transition
	if m.notify != nil {
		m.notify(name, StateClosed, StateClosed)
	}
	return cb, nil
}

// Get returns a circuit breaker by name
func (m *Manager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// HealthStatus reports a breaker's state for health endpoints
type HealthStatus struct {
	Snapshot
	Healthy bool `json:"healthy"`
}

// HealthStatus returns health status for all circuit breakers
func (m *Manager) HealthStatus() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for _, cb := range m.breakers {
		snap := cb.Snapshot()
		statuses = append(statuses, HealthStatus{
			Snapshot: snap,
			Healthy:  snap.State == StateClosed,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
