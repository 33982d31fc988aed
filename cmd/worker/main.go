package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pipeline-orchestrator/internal/bootstrap"
	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/logging"
	"pipeline-orchestrator/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dbPath := flag.String("db", "", "database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.DSN = *dbPath
	}

	logger, err := logging.New(cfg.Logging.Level, logging.Format(cfg.Logging.Format))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}
	defer app.Close()

	worker := service.NewReplayWorker(app.Service, app.Store, cfg.Reprocess.BatchSize, logger)

	logger.Info("replay worker started, polling for dead letters...",
		zap.Duration("interval", cfg.Reprocess.Interval),
		zap.Int("batch_size", cfg.Reprocess.BatchSize))

	if err := worker.ProcessDeadLetters(ctx, cfg.Reprocess.Interval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker error", zap.Error(err))
	}

	logger.Info("worker stopped")
}
