// Package workerpool provides a bounded worker pool for controlled concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Errors returned by Submit
var (
	ErrStopped   = errors.New("pool is shutting down")
	ErrQueueFull = errors.New("task queue is full")
)

// permanentError marks a failure that must not be retried
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool does not retry it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Task is a unit of work
type Task[T any] struct {
	ID      string
	Payload T
	// Context bounds the task; the pool's own context is used when nil
	Context context.Context
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Err      error
	Attempts int
}

// WorkerFunc processes one task
type WorkerFunc[T any] func(ctx context.Context, task *Task[T]) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay grows linearly with each retry
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for the batch worker
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job[T any] struct {
	task *Task[T]
	done chan Result
}

// Pool runs tasks on a fixed number of workers
type Pool[T any] struct {
	config     Config
	workerFunc WorkerFunc[T]
	logger     *zap.Logger

	jobs chan job[T]
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	activeWorkers  atomic.Int64
}

// New creates a new worker pool
func New[T any](cfg Config, fn WorkerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		jobs:       make(chan job[T], cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting. The returned channel receives its
// result exactly once.
func (p *Pool[T]) Submit(task *Task[T]) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	done := make(chan Result, 1)
	select {
	case p.jobs <- job[T]{task: task, done: done}:
		p.tasksSubmitted.Add(1)
		return done, nil
	default:
		return nil, ErrQueueFull
	}
}

// SubmitWait queues a task, waiting for queue space, and blocks until it
// completes or ctx ends
func (p *Pool[T]) SubmitWait(ctx context.Context, task *Task[T]) (Result, error) {
	done := make(chan Result, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return Result{}, ErrStopped
	}
	select {
	case p.jobs <- job[T]{task: task, done: done}:
		p.tasksSubmitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop rejects new tasks, lets queued ones drain and waits for the workers
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out, cancelling tasks")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for j := range p.jobs {
		res := p.process(j.task)
		if res.Err != nil {
			p.tasksFailed.Add(1)
			p.logger.Warn("task failed",
				zap.String("task_id", res.TaskID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			p.tasksCompleted.Add(1)
		}
		j.done <- res
	}
}

// process runs a task with linear-backoff retries. Permanent errors and
// cancelled contexts are not retried.
func (p *Pool[T]) process(task *Task[T]) Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	attempt := 0
	for {
		attempt++
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{TaskID: task.ID, Err: ctxErr, Attempts: attempt - 1}
		}

		err = p.workerFunc(ctx, task)
		if err == nil {
			return Result{TaskID: task.ID, Attempts: attempt}
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return Result{TaskID: task.ID, Err: perm.err, Attempts: attempt}
		}
		if attempt > p.config.MaxRetries {
			break
		}

		p.tasksRetried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return Result{TaskID: task.ID, Err: ctx.Err(), Attempts: attempt}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}

	return Result{
		TaskID:   task.ID,
		Err:      fmt.Errorf("task failed after %d attempts: %w", attempt, err),
		Attempts: attempt,
	}
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		ActiveWorkers:  p.activeWorkers.Load(),
		QueueDepth:     len(p.jobs),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is not backing up
func (p *Pool[T]) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
