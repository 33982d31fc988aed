package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pipeline-orchestrator/internal/bootstrap"
	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/handler"
	"pipeline-orchestrator/internal/logging"
	"pipeline-orchestrator/internal/models"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dbPath := flag.String("db", "", "database DSN (overrides config)")
	port := flag.String("port", "", "HTTP server port (overrides config)")
	runFile := flag.String("run", "", "execute the pipeline config in this JSON file once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.DSN = *dbPath
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(cfg.Logging.Level, logging.Format(cfg.Logging.Format))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}
	defer app.Close()

	if *runFile != "" {
		if err := runOnce(ctx, app, *runFile); err != nil {
			logger.Error("pipeline run failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.NewOpsHandler(app.Service, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error closing server", zap.Error(err))
	}
	logger.Info("server stopped")
}

// runOnce executes one pipeline config file and prints its summary.
func runOnce(ctx context.Context, app *bootstrap.App, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline config: %w", err)
	}

	var pc models.PipelineConfig
	if err := json.Unmarshal(data, &pc); err != nil {
		return fmt.Errorf("failed to parse pipeline config: %w", err)
	}

	summary := app.Service.ExecutePipeline(ctx, pc)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if summary.State != models.RunCompleted {
		return fmt.Errorf("pipeline %s ended %s", summary.PipelineID, summary.State)
	}
	return nil
}
