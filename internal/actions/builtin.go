// Package actions holds the built-in step collaborators. They are
// deterministic stand-ins for the discovery, enrichment, scoring, ranking and
// outreach services so a pipeline can run end to end without them.
package actions

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pipeline-orchestrator/internal/models"
)

// Tier thresholds on the composite score.
const (
	HotThreshold  = 70.0
	WarmThreshold = 40.0
)

var subScoreWeights = []struct {
	key    string
	weight float64
}{
	{"intent_score", 0.35},
	{"fit_score", 0.30},
	{"engagement_score", 0.20},
	{"timing_score", 0.15},
}

// Builtin implements every step type.
type Builtin struct {
	logger *zap.Logger
}

// NewBuiltin creates the built-in collaborator set.
func NewBuiltin(logger *zap.Logger) *Builtin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builtin{logger: logger}
}

// Execute runs the step. It neither retries nor guards the call; the
// orchestrator does that.
func (b *Builtin) Execute(ctx context.Context, step models.StepType, previous models.Results, cfg *models.PipelineConfig) (*models.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := previous.InputEntities(cfg.Entities)

	switch step {
	case models.StepDiscovery:
		return Discover(input), nil
	case models.StepEnrichment:
		return Enrich(input), nil
	case models.StepScoring:
		return Score(input), nil
	case models.StepRanking:
		return Rank(input), nil
	case models.StepOutreach:
		out := Outreach(input)
		b.logger.Info("outreach queued",
			zap.String("tenant_id", cfg.TenantID),
			zap.Int("queued", countQueued(out.Entities)))
		return out, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", step)
	}
}

// Discover turns seed entities into signals.
func Discover(seed []models.Entity) *models.StepOutput {
	for _, e := range seed {
		e["signal"] = "seed"
		e["source"] = "discovery"
	}
	return &models.StepOutput{Entities: seed}
}

// Enrich derives firmographic fields from what the entity already carries.
func Enrich(entities []models.Entity) *models.StepOutput {
	for _, e := range entities {
		if email, ok := e["email"].(string); ok {
			if at := strings.LastIndex(email, "@"); at >= 0 {
				e["domain"] = strings.ToLower(email[at+1:])
			}
		}
		e["enriched"] = true
	}
	return &models.StepOutput{Entities: entities}
}

// Score writes the four sub-scores and the weighted composite "score".
func Score(entities []models.Entity) *models.StepOutput {
	for _, e := range entities {
		composite := 0.0
		for _, w := range subScoreWeights {
			v := subScore(e.ID(), w.key)
			e[w.key] = v
			composite += v * w.weight
		}
		e["score"] = round1(composite)
	}
	return &models.StepOutput{Entities: entities}
}

// Rank orders entities by composite score (stable), numbers them from 1 and
// assigns a tier.
func Rank(entities []models.Entity) *models.StepOutput {
	sort.SliceStable(entities, func(i, j int) bool {
		return score(entities[i]) > score(entities[j])
	})
	for i, e := range entities {
		e["rank"] = i + 1
		e["tier"] = Tier(score(e))
	}
	return &models.StepOutput{Entities: entities}
}

// Outreach queues a message for HOT entities and marks the rest skipped.
func Outreach(entities []models.Entity) *models.StepOutput {
	for _, e := range entities {
		if e["tier"] == "HOT" {
			e["outreach_status"] = "queued"
		} else {
			e["outreach_status"] = "skipped"
		}
	}
	return &models.StepOutput{Entities: entities}
}

// Tier buckets a composite score.
func Tier(s float64) string {
	switch {
	case s >= HotThreshold:
		return "HOT"
	case s >= WarmThreshold:
		return "WARM"
	default:
		return "COLD"
	}
}

func subScore(id, key string) float64 {
	h := fnv.New32a()
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return round1(float64(h.Sum32()%1001) / 10)
}

func score(e models.Entity) float64 {
	switch v := e["score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func countQueued(entities []models.Entity) int {
	n := 0
	for _, e := range entities {
		if e["outreach_status"] == "queued" {
			n++
		}
	}
	return n
}
