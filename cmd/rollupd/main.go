package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mra/internal/app"
	"mra/internal/config"
	"mra/internal/httpapi"
	"mra/internal/ingest"
	"mra/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Must("production").Fatal("failed_to_load_config", zap.Error(err))
	}
	logger := logging.Must(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed_to_init", zap.Error(err))
	}
	defer a.Close()
	logger.Info("state_opened", zap.String("backend", cfg.StateBackend), zap.String("granularities", cfg.Granularities))

	if cfg.RestoreOnStart {
		res, err := a.Restorer().RestoreAndReplay(ctx)
		if err != nil {
			logger.Fatal("restore_failed", zap.Error(err))
		}
		logger.Info("restored", zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped))
	}

	stopConsumer := func() {}
	if cfg.KafkaBrokers != "" {
		if err := ingest.EnsureTopics(ctx, logger, cfg.KafkaBrokers, a.Topics()); err != nil {
			logger.Fatal("failed_to_ensure_topics", zap.Error(err))
		}
		h := ingest.NewHandler(a.Coordinator, logger, a.Metrics, cfg.MaxRequeues)
		consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
			Brokers:           cfg.KafkaBrokers,
			InputTopic:        cfg.KafkaInputTopic,
			DLQTopic:          cfg.KafkaDLQTopic,
			Group:             cfg.KafkaConsumerGroup,
			MaxConcurrentJobs: cfg.MaxConcurrentJobs,
			MaxRequeues:       cfg.MaxRequeues,
		}, h, logger)
		if err != nil {
			logger.Fatal("failed_to_create_consumer", zap.Error(err))
		}
		stopConsumer, err = consumer.Start(ctx)
		if err != nil {
			logger.Fatal("failed_to_start_consumer", zap.Error(err))
		}
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:  logger,
		Metrics: a.Metrics,
		Applier: a.Coordinator,
		Querier: a.Query,
		Ready:   a.Ready,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http_started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server_error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting_down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_error", zap.Error(err))
	}
	cancel()
	stopConsumer()
	logger.Info("shutdown_complete")
}
