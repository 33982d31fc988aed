package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"pipeline-orchestrator/internal/failure"
)

var (
	// ErrCircuitOpen is wrapped by every rejection issued while OPEN.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when a call loses the race against Config.Timeout.
	ErrCallTimeout = errors.New("call timed out")
)

// State is the breaker state as reported to callers.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

// Status is an immutable snapshot of a breaker.
type Status struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    uint32     `json:"failure_count"`
	SuccessCount    uint32     `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
	Config          Config     `json:"config"`
}

// Operation is the guarded call. The context carries the per-call deadline.
type Operation func(ctx context.Context) (any, error)

// Breaker gates calls to one external dependency. Admission and the
// OPEN/HALF_OPEN/CLOSED transitions are delegated to gobreaker; the wrapper
// adds the per-call deadline and the counters exposed in Status.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu              sync.Mutex
	cb              *gobreaker.CircuitBreaker
	generation      uint64
	state           State
	failureCount    uint32
	successCount    uint32
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// New creates a CLOSED breaker.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		config: config,
		logger: logger.With(zap.String("breaker", name)),
		state:  StateClosed,
	}
	b.cb = b.newGobreaker(b.generation)
	return b
}

func (b *Breaker) newGobreaker(generation uint64) *gobreaker.CircuitBreaker {
	threshold := b.config.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.config.SuccessThreshold,
		Timeout:     b.config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var cancelled *callerCancelled
			return err == nil || errors.As(err, &cancelled)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			b.onStateChange(generation, from, to)
		},
	})
}

// onStateChange runs under gobreaker's lock; it must not call back into cb.
func (b *Breaker) onStateChange(generation uint64, from, to gobreaker.State) {
	b.mu.Lock()
	if generation != b.generation {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	b.state = convertState(to)
	switch to {
	case gobreaker.StateOpen:
		b.nextAttemptTime = now.Add(b.config.ResetTimeout)
		b.successCount = 0
	case gobreaker.StateHalfOpen:
		b.successCount = 0
	case gobreaker.StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.nextAttemptTime = time.Time{}
	}
	failures := b.failureCount
	b.mu.Unlock()

	switch to {
	case gobreaker.StateOpen:
		b.logger.Error("circuit breaker opened, calls will fast-fail",
			zap.String("from", from.String()),
			zap.Uint32("failure_count", failures),
			zap.Duration("reset_timeout", b.config.ResetTimeout))
	case gobreaker.StateHalfOpen:
		b.logger.Warn("circuit breaker half-open, admitting trial calls")
	case gobreaker.StateClosed:
		b.logger.Info("circuit breaker closed, dependency recovered")
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the thresholds the breaker was built with.
func (b *Breaker) Config() Config {
	return b.config
}

func (b *Breaker) current() *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// Execute runs op through the breaker. While OPEN and before the reset
// timeout, op is not invoked and a failure.KindCircuitOpen error wrapping
// ErrCircuitOpen is returned.
//
// A call that exceeds Config.Timeout counts as a failure and its result is
// discarded. The op's context is cancelled at the deadline, but an op that
// ignores its context keeps running in the background.
//
// Cancellation of ctx itself is not held against the dependency: the call
// returns ctx.Err() and the failure count is unchanged.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := b.current().Execute(func() (any, error) {
		return b.call(ctx, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Warn("circuit breaker rejected call", zap.Error(err))
		return nil, failure.CircuitOpen(b.name, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name))
	}
	var cancelled *callerCancelled
	if errors.As(err, &cancelled) {
		return nil, cancelled.err
	}
	return result, err
}

// callerCancelled marks a call abandoned because the caller's context ended.
// gobreaker sees it as a success so it never trips the breaker.
type callerCancelled struct {
	err error
}

func (e *callerCancelled) Error() string { return e.err.Error() }

func (e *callerCancelled) Unwrap() error { return e.err }

type outcome struct {
	value any
	err   error
}

func (b *Breaker) call(ctx context.Context, op Operation) (any, error) {
	callCtx := ctx
	cancel := func() {}
	if b.config.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.Timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in %s call: %v", b.name, r)}
			}
		}()
		value, err := op(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if err := ctx.Err(); err != nil {
				return nil, &callerCancelled{err: err}
			}
			b.recordFailure()
			return nil, o.err
		}
		b.recordSuccess()
		return o.value, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, &callerCancelled{err: err}
		}
		b.recordFailure()
		return nil, failure.Transient(b.name, fmt.Errorf("%w after %s", ErrCallTimeout, b.config.Timeout))
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = time.Now()
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.successCount++
		return
	}
	b.failureCount = 0
}

// Reset forces the breaker CLOSED with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.generation++
	b.cb = b.newGobreaker(b.generation)
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
	b.nextAttemptTime = time.Time{}
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset")
}

// State returns the current state, moving OPEN to HALF_OPEN once the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	return convertState(b.current().State())
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		Name:         b.name,
		State:        state,
		FailureCount: b.failureCount,
		Config:       b.config,
	}
	if state == StateHalfOpen {
		status.SuccessCount = b.successCount
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		status.LastFailureTime = &t
	}
	if state != StateClosed && !b.nextAttemptTime.IsZero() {
		t := b.nextAttemptTime
		status.NextAttemptTime = &t
	}
	return status
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
