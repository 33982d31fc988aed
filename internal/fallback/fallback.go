// Package fallback produces degraded step output when a dependency is
// unavailable. Every function here is pure: no I/O, no clock, no randomness.
package fallback

import (
	"errors"
	"fmt"

	"pipeline-orchestrator/internal/models"
)

// Source tags degraded output.
const Source = "fallback"

// DefaultScore is the mid-range value used for every fallback sub-score.
const DefaultScore = 50.0

// ErrNoFallback is returned for step types that must not be degraded.
var ErrNoFallback = errors.New("no fallback for step type")

// SubScoreKeys are the score fields written by scoring, fallback or not.
var SubScoreKeys = []string{"intent_score", "fit_score", "engagement_score", "timing_score"}

// For returns the degraded output for step, derived from the accumulated
// results (or the config's seed entities when nothing ran yet).
func For(step models.StepType, previous models.Results, cfg *models.PipelineConfig) (*models.StepOutput, error) {
	var seed []models.Entity
	if cfg != nil {
		seed = cfg.Entities
	}

	switch step {
	case models.StepDiscovery:
		return &models.StepOutput{Source: Source, Entities: []models.Entity{}}, nil
	case models.StepEnrichment:
		return &models.StepOutput{Source: Source, Entities: previous.InputEntities(seed)}, nil
	case models.StepScoring:
		return scoring(previous.InputEntities(seed)), nil
	case models.StepRanking:
		return ranking(previous.InputEntities(seed)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoFallback, step)
	}
}

func scoring(entities []models.Entity) *models.StepOutput {
	for _, e := range entities {
		for _, key := range SubScoreKeys {
			e[key] = DefaultScore
		}
		e["score"] = DefaultScore
		e["scoring_source"] = Source
	}
	return &models.StepOutput{Source: Source, Entities: entities}
}

func ranking(entities []models.Entity) *models.StepOutput {
	for i, e := range entities {
		e["rank"] = i + 1
		e["tier"] = "WARM"
		e["ranking_source"] = Source
	}
	return &models.StepOutput{Source: Source, Entities: entities}
}
