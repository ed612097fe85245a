// Package main provides the batch worker entry point.
// Consumes calculation requests and publishes their results.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/batch"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
)

const serviceName = "batch-worker"

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
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required for the batch worker")
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	// Events are published per calculation, so the app owns the producer
	a, err := app.New(ctx, cfg, logger, app.Options{
		ServiceName: serviceName,
		Registerer:  prometheus.DefaultRegisterer,
		Events:      true,
	})
	if err != nil {
		return fmt.Errorf("assemble application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}()

	inbox, err := a.NewInbox(ctx)
	if err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	bcfg := batch.DefaultConfig()
	bcfg.Inbox = inbox
	bcfg.Pool.Workers = cfg.BatchWorkers
	bcfg.Pool.MaxRetries = cfg.RetryMaxAttempts
	processor, err := batch.NewProcessor(a.Calculator, a.Producer, bcfg, logger)
	if err != nil {
		return err
	}
	processor.Start()
	defer processor.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.Consumed = a.Metrics.KafkaMessagesConsumed
	consumer, err := redpanda.NewConsumer(consumerCfg, processor.Handle, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	consumer.Start()
	defer consumer.Stop()

	// Metrics and health for the orchestrator
	health := handlers.NewHealthHandler(serviceName, app.Version, a.Breakers, a.Cache)
	health.AddCheck("kafka", func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.KafkaBrokers)
	})
	health.AddCheck("workers", processor.Ready)
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", a.Metrics.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer server.Close()

	logger.Info("batch worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", cfg.BatchWorkers))

	reportStatus(ctx, admin, consumerCfg.GroupID, processor, consumer, a.Producer, logger)

	logger.Info("shutting down")
	return nil
}

// reportStatus logs consumer group lag and throughput until ctx ends
func reportStatus(ctx context.Context, admin *redpanda.Admin, group string, processor *batch.Processor,
	consumer *redpanda.Consumer, producer *redpanda.Producer, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GetConsumerGroupLag(ctx, group)
			if err != nil {
				logger.Warn("lag check failed", zap.Error(err))
				continue
			}
			var total int64
			for _, partitions := range lag {
				for _, l := range partitions {
					total += l
				}
			}
			stats := processor.Stats()
			read := consumer.Stats()
			sent := producer.Stats()
			logger.Info("batch worker status",
				zap.Int64("lag", total),
				zap.Int64("completed", stats.TasksCompleted),
				zap.Int64("failed", stats.TasksFailed),
				zap.Int("queue_depth", stats.QueueDepth),
				zap.Int64("messages_read", read.MessagesRead),
				zap.Int64("read_errors", read.ErrorCount),
				zap.Int64("messages_sent", sent.MessagesSent),
				zap.Int64("bytes_sent", sent.BytesSent),
				zap.Int64("send_errors", sent.ErrorCount))
		}
	}
}
