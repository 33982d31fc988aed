// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"pipeline-orchestrator/internal/failure"
)

// jitterRatio caps the random jitter added to each delay.
const jitterRatio = 0.3

// Options configures WithBackoff.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	// OnRetry is called before each wait. attempt is 1 for the first retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultOptions returns three retries starting at one second, doubling up to 30s.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Factor:     2,
	}
}

// Delay returns min(base * factor^attempt, max) without jitter.
func Delay(opts Options, attempt int) time.Duration {
	if opts.BaseDelay <= 0 {
		return 0
	}
	factor := opts.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(opts.BaseDelay) * math.Pow(factor, float64(attempt))
	if opts.MaxDelay > 0 && d > float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Jitter returns a random duration in [0, 0.3*delay).
func Jitter(delay time.Duration) time.Duration {
	limit := int64(float64(delay) * jitterRatio)
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(limit))
}

// WithBackoff invokes op up to MaxRetries+1 times. Circuit-open rejections
// and aborts are returned at once without further attempts, as is any error
// once ctx is done. The last error is returned when attempts run out.
func WithBackoff[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if kind := failure.KindOf(err); kind == failure.KindCircuitOpen || kind == failure.KindAbort {
			return zero, err
		}
		if ctx.Err() != nil || attempt == opts.MaxRetries {
			break
		}

		delay := Delay(opts, attempt)
		delay += Jitter(delay)

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry wait interrupted: %w", ctx.Err())
	}
}
