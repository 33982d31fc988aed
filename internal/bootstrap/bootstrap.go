// Package bootstrap wires the orchestrator's collaborators from a Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pipeline-orchestrator/internal/actions"
	"pipeline-orchestrator/internal/circuitbreaker"
	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/metrics"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/service"
)

const redisConnectTimeout = 5 * time.Second

// App holds the wired service and the resources it owns
type App struct {
	Service *service.PipelineService
	Store   *repository.SQLRepository
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	redis *redis.Client
}

// New opens the store and cache named by cfg and builds the pipeline service.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	store, err := repository.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	app := &App{Store: store, Metrics: metrics.NewMetrics(), Logger: logger}

	cache, err := app.openCache(ctx, cfg.Cache)
	if err != nil {
		app.Close()
		return nil, err
	}

	breakers := circuitbreaker.NewRegistry(logger)
	for name, bc := range cfg.Breakers {
		breakers.GetOrCreate(name, bc)
	}

	app.Service = service.NewPipelineService(service.Deps{
		Runs:        store,
		DeadLetters: store,
		Cache:       cache,
		Breakers:    breakers,
		Action:      actions.NewBuiltin(logger),
		Retry:       cfg.RetryOptions(),
		Limiter:     service.NewRateLimiter(cfg.Reprocess.MaxPerMinute),
		Metrics:     app.Metrics,
		Logger:      logger,
	})

	logger.Info("orchestrator wired",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Strings("breakers", breakers.Names()))
	return app, nil
}

func (a *App) openCache(ctx context.Context, cfg config.CacheConfig) (repository.RunCache, error) {
	if cfg.Backend != "redis" {
		return repository.NewMemoryRunCache(), nil
	}

	a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := repository.NewRedisRunCache(a.redis, cfg.TTL)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return cache, nil
}

// Close releases the store and the Redis client
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
