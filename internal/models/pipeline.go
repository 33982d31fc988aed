package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a run state change is not allowed.
var ErrInvalidTransition = errors.New("invalid pipeline state transition")

// RunState represents the state of a pipeline run
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused" // recognised in stored rows; the executor never enters it
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether the run can no longer change.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

var runTransitions = map[RunState][]RunState{
	RunPending: {RunRunning},
	RunRunning: {RunCompleted, RunFailed, RunCancelled},
}

// StepState represents the state of a single step
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StepType identifies a pipeline stage and the dependency it calls.
type StepType string

const (
	StepDiscovery  StepType = "discovery"
	StepEnrichment StepType = "enrichment"
	StepScoring    StepType = "scoring"
	StepRanking    StepType = "ranking"
	StepOutreach   StepType = "outreach"
)

// StepOrder is the fixed execution order of step types.
var StepOrder = []StepType{StepDiscovery, StepEnrichment, StepScoring, StepRanking, StepOutreach}

// StepRecord tracks one step of a run
type StepRecord struct {
	Name             string     `json:"name"`
	Type             StepType   `json:"type"`
	State            StepState  `json:"state"`
	Required         bool       `json:"required"`
	FallbackEligible bool       `json:"fallback_eligible"`
	Attempts         int        `json:"attempts"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Error            string     `json:"error,omitempty"`
	UsedFallback     bool       `json:"used_fallback,omitempty"`
}

// StepFailure is an entry of a run's error list
type StepFailure struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// PipelineRun is one execution of the ordered step sequence
type PipelineRun struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	State       RunState       `json:"state"`
	Config      PipelineConfig `json:"config"`
	Steps       []StepRecord   `json:"steps"`
	Results     Results        `json:"results"`
	Errors      []StepFailure  `json:"errors"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Transition moves the run to the next state. Terminal runs never change.
func (r *PipelineRun) Transition(to RunState) error {
	for _, allowed := range runTransitions[r.State] {
		if allowed == to {
			r.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
}

// Step returns the record for the named step.
func (r *PipelineRun) Step(name string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// PipelineSummary is returned by ExecutePipeline
type PipelineSummary struct {
	PipelineID string        `json:"pipeline_id"`
	TenantID   string        `json:"tenant_id"`
	State      RunState      `json:"state"`
	Results    Results       `json:"results"`
	Steps      []StepRecord  `json:"steps"`
	Errors     []StepFailure `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// DeadLetterItem records a step failure that aborted a run
type DeadLetterItem struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	PipelineID     string          `json:"pipeline_id"`
	StepName       string          `json:"step_name"`
	ErrorMessage   string          `json:"error_message"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	// Reprocessed is set when the failed run was itself a reprocess; such
	// items are never replayed automatically.
	Reprocessed bool       `json:"reprocessed"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
