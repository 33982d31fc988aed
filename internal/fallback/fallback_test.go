package fallback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-orchestrator/internal/models"
)

func TestFor_Discovery(t *testing.T) {
	out, err := For(models.StepDiscovery, nil, &models.PipelineConfig{})
	require.NoError(t, err)
	assert.Equal(t, Source, out.Source)
	assert.NotNil(t, out.Entities)
	assert.Empty(t, out.Entities)
}

func TestFor_EnrichmentPassesThrough(t *testing.T) {
	var prev models.Results
	prev.Put("discovery", &models.StepOutput{Entities: []models.Entity{{"id": "a", "domain": "a.io"}}})

	out, err := For(models.StepEnrichment, prev, &models.PipelineConfig{})
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, models.Entity{"id": "a", "domain": "a.io"}, out.Entities[0])
}

func TestFor_ScoringUsesSeedEntities(t *testing.T) {
	cfg := &models.PipelineConfig{Entities: []models.Entity{{"id": "a"}, {"id": "b"}}}

	out, err := For(models.StepScoring, nil, cfg)
	require.NoError(t, err)
	require.Len(t, out.Entities, 2)
	for _, e := range out.Entities {
		assert.Equal(t, Source, e["scoring_source"])
		for _, key := range SubScoreKeys {
			assert.Equal(t, DefaultScore, e[key])
		}
	}
	_, tagged := cfg.Entities[0]["scoring_source"]
	assert.False(t, tagged, "seed entities must not be mutated")
}

func TestFor_RankingKeepsInputOrder(t *testing.T) {
	var prev models.Results
	prev.Put("scoring", &models.StepOutput{Entities: []models.Entity{
		{"id": "low", "score": 10.0},
		{"id": "high", "score": 90.0},
	}})

	out, err := For(models.StepRanking, prev, &models.PipelineConfig{})
	require.NoError(t, err)
	require.Len(t, out.Entities, 2)
	assert.Equal(t, "low", out.Entities[0].ID())
	assert.Equal(t, 1, out.Entities[0]["rank"])
	assert.Equal(t, 2, out.Entities[1]["rank"])
	assert.Equal(t, "WARM", out.Entities[1]["tier"])
	assert.Equal(t, Source, out.Entities[1]["ranking_source"])
}

func TestFor_OutreachHasNoFallback(t *testing.T) {
	_, err := For(models.StepOutreach, nil, &models.PipelineConfig{})
	assert.ErrorIs(t, err, ErrNoFallback)
}
