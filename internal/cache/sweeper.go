package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// SweeperConfig configures periodic expired-entry deletion
type SweeperConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
	Timeout    time.Duration
	// Recorder observes removed entries; optional
	Recorder SweepRecorder
}

// SweepRecorder observes sweeps
type SweepRecorder interface {
	EntriesSwept(n int64)
}

// DefaultSweeperConfig returns default sweeper settings
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   10 * time.Minute,
		BatchSize:  500,
		MaxBatches: 20,
		Timeout:    time.Minute,
	}
}

// Sweeper deletes expired records in bounded batches on a schedule
type Sweeper struct {
	backend   Backend
	config    SweeperConfig
	logger    *zap.Logger
	scheduler *gocron.Scheduler
	now       func() time.Time
}

// NewSweeper creates a sweeper over backend
func NewSweeper(backend Backend, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	return &Sweeper{
		backend:   backend,
		config:    cfg,
		logger:    logger,
		scheduler: scheduler,
		now:       time.Now,
	}
}

// Start schedules the sweep and returns immediately
func (s *Sweeper) Start() error {
	if _, err := s.scheduler.Every(s.config.Interval).Do(s.run); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("cache sweeper started", zap.Duration("interval", s.config.Interval))
	return nil
}

// Stop halts the schedule; a sweep in progress runs to completion
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("cache sweep failed", zap.Error(err))
	}
}

// Sweep deletes expired records until a batch comes back short, MaxBatches is
// reached or ctx is done. It returns the number of records deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	var total int64
	now := s.now()
	for i := 0; i < s.config.MaxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.backend.DeleteExpired(ctx, now, s.config.BatchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("delete expired batch: %w", err)
		}
		if n < int64(s.config.BatchSize) {
			break
		}
	}
	if total > 0 {
		if s.config.Recorder != nil {
			s.config.Recorder.EntriesSwept(total)
		}
		s.logger.Info("expired cache entries removed", zap.Int64("count", total))
	}
	return total, nil
}
