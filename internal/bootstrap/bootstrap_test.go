package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/models"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "orchestrator.db")
	return cfg
}

func TestNew_MemoryCache(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	statuses := app.Service.GetCircuitBreakerStatus()
	assert.Len(t, statuses, len(models.StepOrder))
	assert.True(t, app.Service.HealthCheck(context.Background()).Healthy)
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = mr.Addr()

	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	summary := app.Service.ExecutePipeline(context.Background(), models.PipelineConfig{
		TenantID: "tenant-1",
		Mode:     models.ModeRank,
		Entities: []models.Entity{{"id": "a", "score": 80.0}},
	})
	require.Equal(t, models.RunCompleted, summary.State)
	assert.NotEmpty(t, mr.Keys(), "run snapshot should be cached in redis")

	run, err := app.Service.GetPipelineState(context.Background(), "tenant-1", summary.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.State)
}

func TestNew_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = addr

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_UnsupportedDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
