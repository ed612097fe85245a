// Package main provides the calculator API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api"
	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
)

const serviceName = "calculator-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{
		ServiceName: serviceName,
		Registerer:  prometheus.DefaultRegisterer,
		Events:      true,
	})
	if err != nil {
		return fmt.Errorf("assemble application: %w", err)
	}

	sweeper := a.NewSweeper()
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	health := handlers.NewHealthHandler(serviceName, app.Version, a.Breakers, a.Cache)
	calc := handlers.NewCalculateHandler(a.Calculator, a.Resolver, logger)

	var limiter *middleware.RateLimiter
	if cfg.RateLimited() {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go pruneLimiter(ctx, limiter, logger)
	}

	router := api.NewRouter(api.RouterConfig{
		ServiceName: serviceName,
		APIKeys:     cfg.APIKeys,
		Limiter:     limiter,
		Calculate:   calc,
		Health:      health,
		Metrics:     a.Metrics.Handler(),
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LookupTimeout + cfg.AITimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting calculator API",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.Bool("auth", len(cfg.APIKeys) > 0),
			zap.Bool("rate_limited", limiter != nil))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func pruneLimiter(ctx context.Context, limiter *middleware.RateLimiter, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				logger.Debug("pruned idle rate limit buckets", zap.Int("count", n))
			}
		}
	}
}
