package metrics

import (
	"sync"
)

// Metrics tracks orchestrator counters
type Metrics struct {
	mu sync.RWMutex

	pipelinesStarted   int64
	pipelinesCompleted int64
	pipelinesFailed    int64
	pipelinesCancelled int64
	stepRetries        int64
	stepFallbacks      int64
	stepsSkipped       int64
	deadLetters        int64
	reprocessed        int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementPipelinesStarted counts a run entering RUNNING
func (m *Metrics) IncrementPipelinesStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelinesStarted++
}

// IncrementPipelinesCompleted counts a run ending COMPLETED
func (m *Metrics) IncrementPipelinesCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelinesCompleted++
}

// IncrementPipelinesFailed counts a run ending FAILED
func (m *Metrics) IncrementPipelinesFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelinesFailed++
}

// IncrementPipelinesCancelled counts a run ending CANCELLED
func (m *Metrics) IncrementPipelinesCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelinesCancelled++
}

// IncrementStepRetries counts one retry wait
func (m *Metrics) IncrementStepRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepRetries++
}

// IncrementStepFallbacks counts a step completed with fallback output
func (m *Metrics) IncrementStepFallbacks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepFallbacks++
}

// IncrementStepsSkipped counts an optional step skipped after failure
func (m *Metrics) IncrementStepsSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepsSkipped++
}

// IncrementDeadLetters counts a dead letter item written
func (m *Metrics) IncrementDeadLetters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters++
}

// IncrementReprocessed counts a dead letter item replayed
func (m *Metrics) IncrementReprocessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reprocessed++
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"pipelines_started":   m.pipelinesStarted,
		"pipelines_completed": m.pipelinesCompleted,
		"pipelines_failed":    m.pipelinesFailed,
		"pipelines_cancelled": m.pipelinesCancelled,
		"step_retries":        m.stepRetries,
		"step_fallbacks":      m.stepFallbacks,
		"steps_skipped":       m.stepsSkipped,
		"dead_letters":        m.deadLetters,
		"reprocessed":         m.reprocessed,
	}
}
