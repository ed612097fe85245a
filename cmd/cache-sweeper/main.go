// Package main provides the standalone cache sweeper.
// Deletes expired rows from the shared Postgres cache on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/infrastructure/postgres"
)

func main() {
	once := flag.Bool("once", false, "sweep once and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the cache sweeper")
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	backend := postgres.NewCacheBackend(pool, logger)
	if err := backend.EnsureSchema(ctx); err != nil {
		return err
	}

	sweeper := cache.NewSweeper(backend, cache.SweeperConfig{
		Interval:  cfg.CacheSweepInterval,
		BatchSize: cfg.CacheSweepBatch,
	}, logger)

	if once {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Info("cache swept", zap.Int64("removed", n))
		return nil
	}

	if err := sweeper.Start(); err != nil {
		return err
	}
	logger.Info("cache sweeper running", zap.Duration("interval", cfg.CacheSweepInterval))

	<-ctx.Done()
	sweeper.Stop()

	statsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stats, err := backend.GetStats(statsCtx, time.Now()); err == nil {
		logger.Info("cache sweeper stopped",
			zap.Int64("entries", stats.Entries),
			zap.Int64("expired", stats.Expired))
	}
	return nil
}
