package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/models"
)

func cacheKey(tenantID, id string) string {
	return "pipeline_run:" + tenantID + ":" + id
}

// MemoryRunCache keeps encoded run snapshots in process memory.
// Snapshots are stored encoded so readers never share maps with the executor.
type MemoryRunCache struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewMemoryRunCache creates an empty in-memory cache
func NewMemoryRunCache() *MemoryRunCache {
	return &MemoryRunCache{runs: make(map[string][]byte)}
}

// Get returns a fresh copy of the cached run
func (c *MemoryRunCache) Get(ctx context.Context, tenantID, id string) (*models.PipelineRun, bool) {
	c.mu.RLock()
	data, ok := c.runs[cacheKey(tenantID, id)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	var run models.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, false
	}
	return &run, true
}

// Set stores a snapshot of run
func (c *MemoryRunCache) Set(ctx context.Context, run *models.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run for cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[cacheKey(run.TenantID, run.ID)] = data
	return nil
}

// RedisRunCache shares run snapshots between orchestrator processes
type RedisRunCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRunCache wraps an existing client. A zero ttl keeps entries forever.
func NewRedisRunCache(client *redis.Client, ttl time.Duration) *RedisRunCache {
	return &RedisRunCache{client: client, ttl: ttl}
}

// Get reads a run snapshot; any Redis error is treated as a miss
func (c *RedisRunCache) Get(ctx context.Context, tenantID, id string) (*models.PipelineRun, bool) {
	data, err := c.client.Get(ctx, cacheKey(tenantID, id)).Bytes()
	if err != nil {
		return nil, false
	}

	var run models.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, false
	}
	return &run, true
}

// Set writes a run snapshot
func (c *RedisRunCache) Set(ctx context.Context, run *models.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run for cache: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(run.TenantID, run.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write run to redis: %w", err)
	}
	return nil
}

// Ping checks the Redis server responds
func (c *RedisRunCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}
