// Package config loads orchestrator settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"pipeline-orchestrator/internal/circuitbreaker"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/retry"
)

type Config struct {
	Server    ServerConfig                     `yaml:"server"`
	Database  DatabaseConfig                   `yaml:"database"`
	Cache     CacheConfig                      `yaml:"cache"`
	Logging   LoggingConfig                    `yaml:"logging"`
	Retry     RetryConfig                      `yaml:"retry"`
	Breakers  map[string]circuitbreaker.Config `yaml:"breakers"`
	Reprocess ReprocessConfig                  `yaml:"reprocess"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or pgx
	DSN    string `yaml:"dsn"`    // file path for sqlite3
}

type CacheConfig struct {
	Backend   string        `yaml:"backend"` // memory or redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Factor     float64       `yaml:"factor"`
}

type ReprocessConfig struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxPerMinute int           `yaml:"max_per_minute"`
}

// Default returns the settings used when no file or environment overrides them.
func Default() Config {
	r := retry.DefaultOptions()
	breakers := make(map[string]circuitbreaker.Config, len(models.StepOrder))
	for _, step := range models.StepOrder {
		breakers[string(step)] = circuitbreaker.DefaultConfig(string(step))
	}

	return Config{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "orchestrator.db"},
		Cache:    CacheConfig{Backend: "memory", TTL: 24 * time.Hour},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Retry: RetryConfig{
			MaxRetries: r.MaxRetries,
			BaseDelay:  r.BaseDelay,
			MaxDelay:   r.MaxDelay,
			Factor:     r.Factor,
		},
		Breakers: breakers,
		Reprocess: ReprocessConfig{
			Interval:     time.Minute,
			BatchSize:    20,
			MaxPerMinute: 10,
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	// Breakers omitted from the file keep their presets.
	if cfg.Breakers == nil {
		cfg.Breakers = make(map[string]circuitbreaker.Config)
	}
	for _, step := range models.StepOrder {
		if _, ok := cfg.Breakers[string(step)]; !ok {
			cfg.Breakers[string(step)] = circuitbreaker.DefaultConfig(string(step))
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.Driver = envString("ORCH_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envString("ORCH_DB_DSN", c.Database.DSN)
	c.Cache.Backend = envString("ORCH_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisAddr = envString("ORCH_REDIS_ADDR", c.Cache.RedisAddr)
	c.Logging.Level = envString("ORCH_LOG_LEVEL", c.Logging.Level)
	c.Server.Port = envString("ORCH_HTTP_PORT", c.Server.Port)

	maxRetries, err := envInt("ORCH_MAX_RETRIES", c.Retry.MaxRetries)
	if err != nil {
		return err
	}
	c.Retry.MaxRetries = maxRetries
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	if c.Retry.Factor < 1 {
		return errors.New("retry.factor must be >= 1")
	}
	for name, b := range c.Breakers {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("breakers.%s: %w", name, err)
		}
	}
	if c.Reprocess.Interval <= 0 {
		return errors.New("reprocess.interval must be positive")
	}
	if c.Reprocess.BatchSize < 1 || c.Reprocess.MaxPerMinute < 1 {
		return errors.New("reprocess.batch_size and reprocess.max_per_minute must be >= 1")
	}
	return nil
}

// RetryOptions converts the retry section for the retry package.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Factor:     c.Retry.Factor,
	}
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}
