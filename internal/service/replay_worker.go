package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pipeline-orchestrator/internal/repository"
)

// ReplayWorker periodically reprocesses unresolved dead letters, oldest
// first. Items recorded by a reprocessed run are left for an operator, so a
// failing item is replayed at most once automatically.
type ReplayWorker struct {
	service     *PipelineService
	deadLetters repository.DeadLetterRepository
	batchSize   int
	logger      *zap.Logger
}

// NewReplayWorker creates a new replay worker
func NewReplayWorker(service *PipelineService, deadLetters repository.DeadLetterRepository, batchSize int, logger *zap.Logger) *ReplayWorker {
	if batchSize < 1 {
		batchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayWorker{
		service:     service,
		deadLetters: deadLetters,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// ProcessDeadLetters replays a batch every interval until ctx is done
func (w *ReplayWorker) ProcessDeadLetters(ctx context.Context, interval time.Duration) error {
	for {
		w.ReplayBatch(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ReplayBatch reprocesses up to one batch of eligible items and returns how
// many new runs were started.
func (w *ReplayWorker) ReplayBatch(ctx context.Context) int {
	items, err := w.deadLetters.ListReplayable(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("error listing dead letters", zap.Error(err))
		return 0
	}

	replayed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		summary, err := w.service.ReprocessDeadLetter(ctx, item.ID)
		switch {
		case errors.Is(err, ErrRateLimitExceeded):
			w.logger.Info("reprocess rate limited", zap.String("dead_letter_id", item.ID), zap.String("tenant_id", item.TenantID))
			continue
		case err != nil:
			w.logger.Error("error reprocessing dead letter", zap.String("dead_letter_id", item.ID), zap.Error(err))
			continue
		}

		replayed++
		w.logger.Info("dead letter replayed",
			zap.String("dead_letter_id", item.ID),
			zap.String("pipeline_id", summary.PipelineID),
			zap.String("state", string(summary.State)))
	}
	return replayed
}
