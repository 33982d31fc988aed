package repository

import (
	"context"
	"errors"
	"time"

	"pipeline-orchestrator/internal/models"
)

var (
	ErrRunNotFound        = errors.New("pipeline run not found")
	ErrRunTerminal        = errors.New("pipeline run is terminal")
	ErrDeadLetterNotFound = errors.New("dead letter item not found")
	ErrDeadLetterResolved = errors.New("dead letter item already resolved")
)

// RunRepository defines the durable store for pipeline runs
type RunRepository interface {
	// UpsertRun writes the run keyed by (tenant_id, id); repeated writes
	// overwrite until the stored run is terminal, then ErrRunTerminal.
	UpsertRun(ctx context.Context, run *models.PipelineRun) error
	GetRun(ctx context.Context, tenantID, id string) (*models.PipelineRun, error)
	// Ping is a trivial liveness query.
	Ping(ctx context.Context) error
}

// DeadLetterRepository defines the durable store for dead letter items
type DeadLetterRepository interface {
	AddDeadLetter(ctx context.Context, item *models.DeadLetterItem) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetterItem, error)
	// ListUnresolved returns unresolved items, most recent first. An empty
	// tenantID lists across all tenants.
	ListUnresolved(ctx context.Context, tenantID string, limit int) ([]*models.DeadLetterItem, error)
	// ListReplayable returns unresolved items not produced by a reprocess,
	// oldest first, across all tenants.
	ListReplayable(ctx context.Context, limit int) ([]*models.DeadLetterItem, error)
	MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error
}

// Store is a repository serving both runs and dead letters
type Store interface {
	RunRepository
	DeadLetterRepository
}

// RunCache is a best-effort read-through cache of run snapshots. It may be
// stale or empty; the RunRepository stays the source of truth.
type RunCache interface {
	Get(ctx context.Context, tenantID, id string) (*models.PipelineRun, bool)
	Set(ctx context.Context, run *models.PipelineRun) error
}
