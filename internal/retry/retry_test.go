package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeline-orchestrator/internal/failure"
)

func fastOptions(maxRetries int) Options {
	return Options{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Factor:     2,
	}
}

// flaky fails the first n calls.
func flaky(n int, calls *int) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		*calls++
		if *calls <= n {
			return "", errors.New("transient")
		}
		return "done", nil
	}
}

func TestWithBackoff_SucceedsAfterFailures(t *testing.T) {
	for k := 0; k <= 3; k++ {
		calls := 0
		got, err := WithBackoff(context.Background(), flaky(k, &calls), fastOptions(3))
		require.NoError(t, err)
		assert.Equal(t, "done", got)
		assert.Equal(t, k+1, calls)
	}
}

func TestWithBackoff_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := WithBackoff(context.Background(), flaky(10, &calls), fastOptions(2))
	require.Error(t, err)
	assert.Equal(t, "transient", err.Error())
	assert.Equal(t, 3, calls)
}

func TestWithBackoff_CircuitOpenNotRetried(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		return 0, failure.CircuitOpen("scoring", errors.New("open"))
	}

	_, err := WithBackoff(context.Background(), op, fastOptions(5))
	require.Error(t, err)
	assert.True(t, failure.IsCircuitOpen(err))
	assert.Equal(t, 1, calls)
}

func TestWithBackoff_OnRetryHook(t *testing.T) {
	var attempts []int
	var delays []time.Duration
	opts := fastOptions(3)
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
	}

	calls := 0
	_, err := WithBackoff(context.Background(), flaky(2, &calls), opts)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
	for i, d := range delays {
		base := Delay(opts, i)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+time.Duration(float64(base)*jitterRatio))
	}
}

func TestWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 2}
	opts.OnRetry = func(int, time.Duration, error) { cancel() }

	calls := 0
	_, err := WithBackoff(ctx, flaky(10, &calls), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelay_CappedExponential(t *testing.T) {
	opts := Options{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2}

	assert.Equal(t, time.Second, Delay(opts, 0))
	assert.Equal(t, 2*time.Second, Delay(opts, 1))
	assert.Equal(t, 4*time.Second, Delay(opts, 2))
	assert.Equal(t, 5*time.Second, Delay(opts, 3))
	assert.Equal(t, 5*time.Second, Delay(opts, 60))
}

func TestJitter_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := Jitter(time.Second)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 300*time.Millisecond)
	}
	assert.Zero(t, Jitter(0))
}
