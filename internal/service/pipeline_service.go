package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipeline-orchestrator/internal/circuitbreaker"
	"pipeline-orchestrator/internal/failure"
	"pipeline-orchestrator/internal/fallback"
	"pipeline-orchestrator/internal/metrics"
	"pipeline-orchestrator/internal/models"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/retry"
)

var (
	ErrRateLimitExceeded = errors.New("reprocess rate limit exceeded")
	ErrRunNotActive      = errors.New("pipeline run is not active")
	ErrRunExists         = errors.New("pipeline run already exists")
)

const defaultDeadLetterLimit = 50

// StepAction performs the business work of one step. It is called through
// the step's circuit breaker and the retry helper, so it should neither
// retry nor swallow its own errors.
type StepAction interface {
	Execute(ctx context.Context, step models.StepType, previous models.Results, cfg *models.PipelineConfig) (*models.StepOutput, error)
}

// StepActionFunc adapts a function to StepAction
type StepActionFunc func(ctx context.Context, step models.StepType, previous models.Results, cfg *models.PipelineConfig) (*models.StepOutput, error)

func (f StepActionFunc) Execute(ctx context.Context, step models.StepType, previous models.Results, cfg *models.PipelineConfig) (*models.StepOutput, error) {
	return f(ctx, step, previous, cfg)
}

// ErrorReporter forwards unexpected orchestrator failures to monitoring.
type ErrorReporter interface {
	ReportError(ctx context.Context, err error, tags map[string]string)
}

type logReporter struct {
	logger *zap.Logger
}

func (r logReporter) ReportError(ctx context.Context, err error, tags map[string]string) {
	fields := make([]zap.Field, 0, len(tags)+1)
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	fields = append(fields, zap.Error(err))
	r.logger.Error("orchestrator error reported", fields...)
}

// Deps are the collaborators of PipelineService. Runs and DeadLetters are
// required; everything else has a usable default.
type Deps struct {
	Runs        repository.RunRepository
	DeadLetters repository.DeadLetterRepository
	Cache       repository.RunCache
	Breakers    *circuitbreaker.Registry
	Action      StepAction
	Retry       retry.Options
	Limiter     *RateLimiter
	Reporter    ErrorReporter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// PipelineService executes pipeline runs and exposes their state
type PipelineService struct {
	runs        repository.RunRepository
	deadLetters repository.DeadLetterRepository
	cache       repository.RunCache
	breakers    *circuitbreaker.Registry
	action      StepAction
	retry       retry.Options
	limiter     *RateLimiter
	reporter    ErrorReporter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	health      *HealthMonitor

	mu     sync.Mutex
	active map[string]*atomic.Bool
}

// NewPipelineService creates a new pipeline service. Every step type gets a
// breaker with its default config unless the registry already has one.
func NewPipelineService(deps Deps) *PipelineService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = repository.NewMemoryRunCache()
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewRegistry(deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Reporter == nil {
		deps.Reporter = logReporter{logger: deps.Logger}
	}
	for _, step := range models.StepOrder {
		deps.Breakers.GetOrCreate(string(step), circuitbreaker.DefaultConfig(string(step)))
	}

	return &PipelineService{
		runs:        deps.Runs,
		deadLetters: deps.DeadLetters,
		cache:       deps.Cache,
		breakers:    deps.Breakers,
		action:      deps.Action,
		retry:       deps.Retry,
		limiter:     deps.Limiter,
		reporter:    deps.Reporter,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		health:      NewHealthMonitor(deps.Breakers, deps.Runs, deps.Logger),
		active:      make(map[string]*atomic.Bool),
	}
}

func runKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// ExecutePipeline runs every configured step in order and returns the
// summary of the terminal run. It never returns an error: invalid configs,
// aborted steps and cancellation all end in a summary. A caller-supplied
// PipelineID that is already executing or stored is rejected with a FAILED
// summary and the existing run is left untouched.
func (s *PipelineService) ExecutePipeline(ctx context.Context, cfg models.PipelineConfig) *models.PipelineSummary {
	start := time.Now()

	id := cfg.PipelineID
	if id == "" {
		id = uuid.New().String()
	}

	run := &models.PipelineRun{
		ID:        id,
		TenantID:  cfg.TenantID,
		State:     models.RunPending,
		Config:    cfg,
		Steps:     []models.StepRecord{},
		Errors:    []models.StepFailure{},
		StartedAt: start.UTC(),
		Metadata:  cfg.Metadata,
	}

	cancelled, err := s.claim(ctx, run, cfg.PipelineID != "")
	if err != nil {
		s.logger.Warn("pipeline rejected",
			zap.String("pipeline_id", run.ID),
			zap.String("tenant_id", run.TenantID),
			zap.Error(err))
		return &models.PipelineSummary{
			PipelineID: run.ID,
			TenantID:   run.TenantID,
			State:      models.RunFailed,
			Steps:      run.Steps,
			Errors:     []models.StepFailure{{Step: "pipeline", Error: err.Error()}},
			Duration:   time.Since(start),
		}
	}
	defer s.unregister(run)

	_ = run.Transition(models.RunRunning)
	s.metrics.IncrementPipelinesStarted()
	s.logger.Info("pipeline started",
		zap.String("pipeline_id", run.ID),
		zap.String("tenant_id", run.TenantID),
		zap.String("mode", string(cfg.EffectiveMode())))

	s.run(ctx, run, cancelled)

	if !run.State.IsTerminal() {
		_ = run.Transition(models.RunCompleted)
	}
	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	s.persist(ctx, run)
	s.recordOutcome(run)

	duration := time.Since(start)
	s.logger.Info("pipeline finished",
		zap.String("pipeline_id", run.ID),
		zap.String("tenant_id", run.TenantID),
		zap.String("state", string(run.State)),
		zap.Int("errors", len(run.Errors)),
		zap.Duration("duration", duration))

	return &models.PipelineSummary{
		PipelineID: run.ID,
		TenantID:   run.TenantID,
		State:      run.State,
		Results:    run.Results,
		Steps:      run.Steps,
		Errors:     run.Errors,
		Duration:   duration,
	}
}

// run drives the step loop. Unexpected errors and panics end the run FAILED
// and are sent to the reporter.
func (s *PipelineService) run(ctx context.Context, run *models.PipelineRun, cancelled *atomic.Bool) {
	defer func() {
		if r := recover(); r != nil {
			s.failRun(ctx, run, "pipeline", fmt.Errorf("panic during pipeline execution: %v", r))
		}
	}()

	if err := run.Config.Validate(); err != nil {
		s.failRun(ctx, run, "config", err)
		return
	}

	steps, err := BuildSteps(&run.Config, s.breakers)
	if err != nil {
		s.failRun(ctx, run, "config", err)
		return
	}

	for _, step := range steps {
		run.Steps = append(run.Steps, models.StepRecord{
			Name:             step.Name,
			Type:             step.Type,
			State:            models.StepPending,
			Required:         step.Required,
			FallbackEligible: step.FallbackEligible,
		})
	}
	s.persist(ctx, run)

	for i, step := range steps {
		if cancelled.Load() || ctx.Err() != nil {
			s.cancelRun(ctx, run)
			return
		}

		rec := &run.Steps[i]
		startedAt := time.Now().UTC()
		rec.State = models.StepRunning
		rec.StartedAt = &startedAt
		s.persist(ctx, run)

		out, attempts, err := s.runStep(ctx, run, step)
		rec.Attempts = attempts

		if err == nil {
			run.Results.Put(step.Name, out)
			s.finishStep(rec, models.StepCompleted, "")
			s.persist(ctx, run)
			s.logger.Info("step completed",
				zap.String("pipeline_id", run.ID),
				zap.String("step", step.Name),
				zap.Int("attempts", attempts),
				zap.Int("entities", len(out.Entities)))
			continue
		}

		if !s.handleStepFailure(ctx, run, step, rec, err) {
			return
		}
	}
}

// runStep calls the step's action through its breaker, retrying transient
// failures. It returns the number of attempts made.
func (s *PipelineService) runStep(ctx context.Context, run *models.PipelineRun, step Step) (*models.StepOutput, int, error) {
	opts := s.retry
	if run.Config.MaxRetries != nil {
		opts.MaxRetries = *run.Config.MaxRetries
	}
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.IncrementStepRetries()
		s.logger.Warn("retrying step",
			zap.String("pipeline_id", run.ID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	// The action gets its own copies: a call abandoned after a timeout may
	// still be reading them.
	previous := append(models.Results(nil), run.Results...)
	cfg := run.Config

	attempts := 0
	out, err := retry.WithBackoff(ctx, func(ctx context.Context) (*models.StepOutput, error) {
		attempts++
		value, err := step.Breaker.Execute(ctx, func(callCtx context.Context) (any, error) {
			return s.action.Execute(callCtx, step.Type, previous, &cfg)
		})
		if err != nil {
			return nil, err
		}
		out, _ := value.(*models.StepOutput)
		if out == nil {
			out = &models.StepOutput{}
		}
		if out.Entities == nil {
			out.Entities = []models.Entity{}
		}
		return out, nil
	}, opts)

	return out, attempts, err
}

// handleStepFailure applies fallback, skip or abort. It reports whether the
// run continues with the next step.
func (s *PipelineService) handleStepFailure(ctx context.Context, run *models.PipelineRun, step Step, rec *models.StepRecord, stepErr error) bool {
	logger := s.logger.With(
		zap.String("pipeline_id", run.ID),
		zap.String("tenant_id", run.TenantID),
		zap.String("step", step.Name))

	if ctx.Err() != nil {
		s.finishStep(rec, models.StepFailed, stepErr.Error())
		s.cancelRun(ctx, run)
		return false
	}

	if failure.IsCircuitOpen(stepErr) && step.FallbackEligible {
		out, err := fallback.For(step.Type, run.Results, &run.Config)
		if err == nil {
			run.Results.Put(step.Name, out)
			rec.UsedFallback = true
			s.finishStep(rec, models.StepCompleted, stepErr.Error())
			s.metrics.IncrementStepFallbacks()
			s.persist(ctx, run)
			logger.Warn("circuit open, step completed with fallback output", zap.Error(stepErr))
			return true
		}
		logger.Warn("fallback unavailable", zap.Error(err))
	}

	if !step.Required {
		s.finishStep(rec, models.StepSkipped, stepErr.Error())
		s.metrics.IncrementStepsSkipped()
		s.persist(ctx, run)
		logger.Warn("optional step failed, skipping", zap.Error(stepErr))
		return true
	}

	abortErr := failure.Abort(step.Name, stepErr)
	s.finishStep(rec, models.StepFailed, abortErr.Error())
	run.Errors = append(run.Errors, models.StepFailure{Step: step.Name, Error: abortErr.Error()})
	s.addDeadLetter(ctx, run, step, stepErr)
	_ = run.Transition(models.RunFailed)
	logger.Error("required step failed, aborting pipeline", zap.Error(abortErr))
	return false
}

func (s *PipelineService) finishStep(rec *models.StepRecord, state models.StepState, errMsg string) {
	now := time.Now().UTC()
	rec.State = state
	rec.CompletedAt = &now
	rec.Error = errMsg
}

func (s *PipelineService) cancelRun(ctx context.Context, run *models.PipelineRun) {
	if err := run.Transition(models.RunCancelled); err != nil {
		return
	}
	s.logger.Info("pipeline cancelled", zap.String("pipeline_id", run.ID))
}

// failRun ends the run FAILED for a reason outside any step. Terminal
// transitions are persisted once, by ExecutePipeline.
func (s *PipelineService) failRun(ctx context.Context, run *models.PipelineRun, stage string, err error) {
	run.Errors = append(run.Errors, models.StepFailure{Step: stage, Error: err.Error()})
	if !run.State.IsTerminal() {
		_ = run.Transition(models.RunFailed)
	}
	s.reporter.ReportError(ctx, err, map[string]string{
		"pipeline_id": run.ID,
		"tenant_id":   run.TenantID,
		"stage":       stage,
	})
}

// addDeadLetter records the aborted step with the run's config snapshot.
// A failed write is logged and otherwise ignored.
func (s *PipelineService) addDeadLetter(ctx context.Context, run *models.PipelineRun, step Step, stepErr error) {
	snapshot, err := json.Marshal(run.Config)
	if err != nil {
		s.logger.Error("failed to snapshot pipeline config", zap.String("pipeline_id", run.ID), zap.Error(err))
		return
	}

	item := &models.DeadLetterItem{
		ID:             uuid.New().String(),
		TenantID:       run.TenantID,
		PipelineID:     run.ID,
		StepName:       step.Name,
		ErrorMessage:   stepErr.Error(),
		ConfigSnapshot: snapshot,
		Reprocessed:    run.Config.IsReprocess(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.deadLetters.AddDeadLetter(context.WithoutCancel(ctx), item); err != nil {
		s.logger.Error("failed to write dead letter",
			zap.String("pipeline_id", run.ID),
			zap.String("step", step.Name),
			zap.Error(err))
		return
	}

	s.metrics.IncrementDeadLetters()
	s.logger.Info("dead letter recorded",
		zap.String("dead_letter_id", item.ID),
		zap.String("pipeline_id", run.ID),
		zap.String("step", step.Name))
}

// persist writes the run to the store and cache. Failures are logged; the
// in-memory run stays authoritative for the rest of the execution.
func (s *PipelineService) persist(ctx context.Context, run *models.PipelineRun) {
	ctx = context.WithoutCancel(ctx)
	if err := s.runs.UpsertRun(ctx, run); err != nil {
		s.logger.Warn("failed to persist pipeline state",
			zap.String("pipeline_id", run.ID),
			zap.String("state", string(run.State)),
			zap.Error(err))
	}
	if err := s.cache.Set(ctx, run); err != nil {
		s.logger.Warn("failed to cache pipeline state",
			zap.String("pipeline_id", run.ID),
			zap.Error(err))
	}
}

func (s *PipelineService) recordOutcome(run *models.PipelineRun) {
	switch run.State {
	case models.RunCompleted:
		s.metrics.IncrementPipelinesCompleted()
	case models.RunFailed:
		s.metrics.IncrementPipelinesFailed()
	case models.RunCancelled:
		s.metrics.IncrementPipelinesCancelled()
	}
}

// claim registers run as executing. When checkStore is set, an id already in
// the store is refused; a store that cannot answer is logged and ignored.
func (s *PipelineService) claim(ctx context.Context, run *models.PipelineRun, checkStore bool) (*atomic.Bool, error) {
	key := runKey(run.TenantID, run.ID)
	flag := &atomic.Bool{}

	s.mu.Lock()
	if _, exists := s.active[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is executing", ErrRunExists, run.ID)
	}
	s.active[key] = flag
	s.mu.Unlock()

	if !checkStore {
		return flag, nil
	}

	existing, err := s.runs.GetRun(ctx, run.TenantID, run.ID)
	switch {
	case err == nil:
		s.unregister(run)
		return nil, fmt.Errorf("%w: %s is %s", ErrRunExists, run.ID, existing.State)
	case !errors.Is(err, repository.ErrRunNotFound):
		s.logger.Warn("could not check for an existing pipeline run",
			zap.String("pipeline_id", run.ID),
			zap.Error(err))
	}
	return flag, nil
}

func (s *PipelineService) unregister(run *models.PipelineRun) {
	s.mu.Lock()
	delete(s.active, runKey(run.TenantID, run.ID))
	s.mu.Unlock()
}

// GetPipelineState returns a snapshot of the run from the cache, falling
// back to the store. Callers may modify the result freely.
func (s *PipelineService) GetPipelineState(ctx context.Context, tenantID, id string) (*models.PipelineRun, error) {
	if run, ok := s.cache.Get(ctx, tenantID, id); ok {
		return run, nil
	}

	run, err := s.runs.GetRun(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, run); err != nil {
		s.logger.Warn("failed to cache pipeline state", zap.String("pipeline_id", id), zap.Error(err))
	}
	return run, nil
}

// CancelPipeline asks an executing run to stop before its next step.
func (s *PipelineService) CancelPipeline(tenantID, id string) error {
	s.mu.Lock()
	flag, ok := s.active[runKey(tenantID, id)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}

	flag.Store(true)
	s.logger.Info("pipeline cancellation requested", zap.String("pipeline_id", id), zap.String("tenant_id", tenantID))
	return nil
}

// GetCircuitBreakerStatus returns every breaker's status keyed by dependency
func (s *PipelineService) GetCircuitBreakerStatus() map[string]circuitbreaker.Status {
	return s.breakers.Statuses()
}

// ResetCircuitBreaker forces the named breaker CLOSED
func (s *PipelineService) ResetCircuitBreaker(name string) error {
	return s.breakers.Reset(name)
}

// ListDeadLetters returns the newest unresolved items for tenantID
func (s *PipelineService) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*models.DeadLetterItem, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	return s.deadLetters.ListUnresolved(ctx, tenantID, limit)
}

// ReprocessDeadLetter resolves the item and starts a fresh run from its
// config snapshot. The new run always starts at the first step.
func (s *PipelineService) ReprocessDeadLetter(ctx context.Context, id string) (*models.PipelineSummary, error) {
	item, err := s.deadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.ResolvedAt != nil {
		return nil, fmt.Errorf("%w: %s", repository.ErrDeadLetterResolved, id)
	}

	var cfg models.PipelineConfig
	if err := json.Unmarshal(item.ConfigSnapshot, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config snapshot of %s: %w", id, err)
	}

	if s.limiter != nil {
		if err := s.limiter.CheckReprocessRate(ctx, item.TenantID); err != nil {
			return nil, err
		}
	}

	if err := s.deadLetters.MarkResolved(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(cfg.Metadata)+3)
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}
	metadata["reprocessed"] = true
	metadata["originalError"] = item.ErrorMessage
	metadata["originalPipelineId"] = item.PipelineID

	cfg.PipelineID = ""
	cfg.TenantID = item.TenantID
	cfg.Metadata = metadata

	s.metrics.IncrementReprocessed()
	s.logger.Info("reprocessing dead letter",
		zap.String("dead_letter_id", id),
		zap.String("original_pipeline_id", item.PipelineID),
		zap.String("step", item.StepName))

	return s.ExecutePipeline(ctx, cfg), nil
}

// HealthCheck reports breaker states and store reachability
func (s *PipelineService) HealthCheck(ctx context.Context) HealthReport {
	return s.health.Check(ctx)
}

// Metrics returns the counters the service updates
func (s *PipelineService) Metrics() *metrics.Metrics {
	return s.metrics
}
