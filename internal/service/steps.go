package service

import (
	"fmt"

	"pipeline-orchestrator/internal/circuitbreaker"
	"pipeline-orchestrator/internal/models"
)

// Step is one expanded stage of a run, bound to its dependency's breaker.
type Step struct {
	Name    string
	Type    models.StepType
	Breaker *circuitbreaker.Breaker
	// Required steps abort the run when they fail without a fallback.
	Required bool
	// FallbackEligible steps may complete with degraded output when their
	// breaker is open.
	FallbackEligible bool
}

type stepPolicy struct {
	required         bool
	fallbackEligible bool
}

// outreach has external side effects, so it is never degraded.
var stepPolicies = map[models.StepType]stepPolicy{
	models.StepDiscovery:  {required: true, fallbackEligible: true},
	models.StepEnrichment: {required: false, fallbackEligible: true},
	models.StepScoring:    {required: true, fallbackEligible: true},
	models.StepRanking:    {required: true, fallbackEligible: true},
	models.StepOutreach:   {required: false, fallbackEligible: false},
}

var modeDefaults = map[models.Mode]map[models.StepType]bool{
	models.ModeFull: {
		models.StepDiscovery:  true,
		models.StepEnrichment: true,
		models.StepScoring:    true,
		models.StepRanking:    true,
	},
	models.ModeDiscovery: {models.StepDiscovery: true},
	models.ModeEnrich:    {models.StepEnrichment: true},
	models.ModeScore:     {models.StepScoring: true, models.StepRanking: true},
	models.ModeRank:      {models.StepRanking: true},
}

// BuildSteps expands cfg into the fixed-order step list. Explicit include
// flags override the mode's defaults; outreach runs only in full mode with
// IncludeOutreach set.
func BuildSteps(cfg *models.PipelineConfig, breakers *circuitbreaker.Registry) ([]Step, error) {
	mode := cfg.EffectiveMode()
	defaults, ok := modeDefaults[mode]
	if !ok {
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidConfig, cfg.Mode)
	}

	include := map[models.StepType]bool{
		models.StepDiscovery:  override(cfg.IncludeDiscovery, defaults[models.StepDiscovery]),
		models.StepEnrichment: override(cfg.IncludeEnrichment, defaults[models.StepEnrichment]),
		models.StepScoring:    override(cfg.IncludeScoring, defaults[models.StepScoring]),
		models.StepRanking:    override(cfg.IncludeRanking, defaults[models.StepRanking]),
		models.StepOutreach:   mode == models.ModeFull && override(cfg.IncludeOutreach, false),
	}

	var steps []Step
	for _, stepType := range models.StepOrder {
		if !include[stepType] {
			continue
		}
		breaker, ok := breakers.Get(string(stepType))
		if !ok {
			return nil, fmt.Errorf("%w: %s", circuitbreaker.ErrBreakerNotFound, stepType)
		}
		policy := stepPolicies[stepType]
		steps = append(steps, Step{
			Name:             string(stepType),
			Type:             stepType,
			Breaker:          breaker,
			Required:         policy.required,
			FallbackEligible: policy.fallbackEligible,
		})
	}

	return steps, nil
}

func override(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}
