package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pipeline-orchestrator/internal/failure"
)

var errDependency = errors.New("dependency down")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		ResetTimeout:     50 * time.Millisecond,
	}
}

func failing(calls *int32) Operation {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return nil, errDependency
	}
}

func succeeding(calls *int32) Operation {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return "ok", nil
	}
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())

	status := b.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
	assert.Nil(t, status.LastFailureTime)
	assert.Nil(t, status.NextAttemptTime)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())
	var calls int32

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), failing(&calls))
		require.ErrorIs(t, err, errDependency)
	}

	status := b.Status()
	assert.Equal(t, StateOpen, status.State)
	assert.EqualValues(t, 3, status.FailureCount)
	require.NotNil(t, status.NextAttemptTime)
	require.NotNil(t, status.LastFailureTime)

	_, err := b.Execute(context.Background(), failing(&calls))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, failure.IsCircuitOpen(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "operation must not run while open")
}

func TestBreaker_SuccessForgivesFailures(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())
	var calls int32

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(context.Background(), failing(&calls))
	}
	assert.EqualValues(t, 2, b.Status().FailureCount)

	v, err := b.Execute(context.Background(), succeeding(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Zero(t, b.Status().FailureCount)

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(context.Background(), failing(&calls))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())
	var calls int32

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(70 * time.Millisecond)

	var trials int32
	_, err := b.Execute(context.Background(), succeeding(&trials))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&trials))

	status := b.Status()
	assert.Equal(t, StateHalfOpen, status.State)
	assert.EqualValues(t, 1, status.SuccessCount)

	_, err = b.Execute(context.Background(), succeeding(&trials))
	require.NoError(t, err)

	status = b.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
	assert.Zero(t, status.SuccessCount)
	assert.Nil(t, status.NextAttemptTime)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())
	var calls int32

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failing(&calls))
	}
	time.Sleep(70 * time.Millisecond)

	_, err := b.Execute(context.Background(), failing(&calls))
	require.ErrorIs(t, err, errDependency)

	status := b.Status()
	assert.Equal(t, StateOpen, status.State)
	assert.EqualValues(t, 4, status.FailureCount)
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	b := New("discovery", cfg, zap.NewNop())

	release := make(chan struct{})
	defer close(release)

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return "late", nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, failure.KindTransient, failure.KindOf(err))
	assert.EqualValues(t, 1, b.Status().FailureCount)
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		go func() {
			<-started
			cancel()
		}()

		_, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, failure.IsCircuitOpen(err))
	}

	status := b.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
	assert.Nil(t, status.LastFailureTime)

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Execute(ctx, succeeding(&calls))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls), "a cancelled caller must not reach the dependency")
}

func TestBreaker_PanicIsFailure(t *testing.T) {
	b := New("ranking", testConfig(), zap.NewNop())

	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		panic("bad input")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
	assert.EqualValues(t, 1, b.Status().FailureCount)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("scoring", testConfig(), zap.NewNop())
	var calls int32

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()

	status := b.Status()
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
	assert.Nil(t, status.LastFailureTime)

	_, err := b.Execute(context.Background(), succeeding(&calls))
	assert.NoError(t, err)
}
