package models

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned for a malformed pipeline configuration.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// Mode selects which steps a run includes by default
type Mode string

const (
	ModeFull      Mode = "full"
	ModeDiscovery Mode = "discovery"
	ModeEnrich    Mode = "enrich"
	ModeScore     Mode = "score"
	ModeRank      Mode = "rank"
)

// PipelineConfig is the input of ExecutePipeline
type PipelineConfig struct {
	PipelineID        string         `json:"pipeline_id,omitempty"`
	TenantID          string         `json:"tenant_id"`
	Mode              Mode           `json:"mode,omitempty"`
	IncludeDiscovery  *bool          `json:"include_discovery,omitempty"`
	IncludeEnrichment *bool          `json:"include_enrichment,omitempty"`
	IncludeScoring    *bool          `json:"include_scoring,omitempty"`
	IncludeRanking    *bool          `json:"include_ranking,omitempty"`
	IncludeOutreach   *bool          `json:"include_outreach,omitempty"`
	MaxRetries        *int           `json:"max_retries,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	// Entities seeds the first step when no discovery step runs.
	Entities []Entity `json:"entities,omitempty"`
}

// EffectiveMode returns the mode, defaulting to full.
func (c *PipelineConfig) EffectiveMode() Mode {
	if c.Mode == "" {
		return ModeFull
	}
	return c.Mode
}

// IsReprocess reports whether the config was produced by reprocessing a
// dead letter.
func (c *PipelineConfig) IsReprocess() bool {
	reprocessed, _ := c.Metadata["reprocessed"].(bool)
	return reprocessed
}

// Validate checks the configuration before any step runs.
func (c *PipelineConfig) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidConfig)
	}
	switch c.EffectiveMode() {
	case ModeFull, ModeDiscovery, ModeEnrich, ModeScore, ModeRank:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Bool returns a pointer to b, for the Include* options.
func Bool(b bool) *bool {
	return &b
}

// Int returns a pointer to i, for MaxRetries.
func Int(i int) *int {
	return &i
}
