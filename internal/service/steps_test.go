package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeline-orchestrator/internal/circuitbreaker"
	"pipeline-orchestrator/internal/models"
)

func testRegistry() *circuitbreaker.Registry {
	r := circuitbreaker.NewRegistry(zap.NewNop())
	for _, step := range models.StepOrder {
		r.GetOrCreate(string(step), circuitbreaker.DefaultConfig(string(step)))
	}
	return r
}

func stepNames(steps []Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	return names
}

func TestBuildSteps_Modes(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.PipelineConfig
		want []string
	}{
		{"default is full", models.PipelineConfig{}, []string{"discovery", "enrichment", "scoring", "ranking"}},
		{"full with outreach", models.PipelineConfig{Mode: models.ModeFull, IncludeOutreach: models.Bool(true)}, []string{"discovery", "enrichment", "scoring", "ranking", "outreach"}},
		{"discovery", models.PipelineConfig{Mode: models.ModeDiscovery}, []string{"discovery"}},
		{"enrich", models.PipelineConfig{Mode: models.ModeEnrich}, []string{"enrichment"}},
		{"score", models.PipelineConfig{Mode: models.ModeScore}, []string{"scoring", "ranking"}},
		{"rank", models.PipelineConfig{Mode: models.ModeRank}, []string{"ranking"}},
		{"outreach ignored outside full", models.PipelineConfig{Mode: models.ModeScore, IncludeOutreach: models.Bool(true)}, []string{"scoring", "ranking"}},
		{"flag disables default", models.PipelineConfig{Mode: models.ModeFull, IncludeEnrichment: models.Bool(false)}, []string{"discovery", "scoring", "ranking"}},
		{"flag adds step", models.PipelineConfig{Mode: models.ModeRank, IncludeScoring: models.Bool(true)}, []string{"scoring", "ranking"}},
	}

	registry := testRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := BuildSteps(&tt.cfg, registry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stepNames(steps))
		})
	}
}

func TestBuildSteps_Policies(t *testing.T) {
	cfg := models.PipelineConfig{IncludeOutreach: models.Bool(true)}
	steps, err := BuildSteps(&cfg, testRegistry())
	require.NoError(t, err)
	require.Len(t, steps, 5)

	byName := map[string]Step{}
	for _, s := range steps {
		byName[s.Name] = s
		require.NotNil(t, s.Breaker)
		assert.Equal(t, s.Name, s.Breaker.Name())
	}

	assert.True(t, byName["discovery"].Required)
	assert.False(t, byName["enrichment"].Required)
	assert.True(t, byName["enrichment"].FallbackEligible)
	assert.True(t, byName["scoring"].Required)
	assert.True(t, byName["ranking"].FallbackEligible)
	assert.False(t, byName["outreach"].Required)
	assert.False(t, byName["outreach"].FallbackEligible)
}

func TestBuildSteps_MissingBreaker(t *testing.T) {
	cfg := models.PipelineConfig{Mode: models.ModeRank}
	_, err := BuildSteps(&cfg, circuitbreaker.NewRegistry(zap.NewNop()))
	assert.ErrorIs(t, err, circuitbreaker.ErrBreakerNotFound)
}

func TestBuildSteps_UnknownMode(t *testing.T) {
	cfg := models.PipelineConfig{Mode: "sideways"}
	_, err := BuildSteps(&cfg, testRegistry())
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}
