package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryableErr struct{ retryable bool }

func (e *retryableErr) Error() string   { return "boom" }
func (e *retryableErr) Retryable() bool { return e.retryable }

func testPolicy(attempts int) Policy {
	return NewPolicy(attempts, time.Millisecond, 5*time.Millisecond)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := testPolicy(3).Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := testPolicy(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &retryableErr{retryable: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := &retryableErr{retryable: false}
	err := testPolicy(3).Do(context.Background(), func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	throttled := &retryableErr{retryable: true}
	err := testPolicy(3).Do(context.Background(), func() error {
		calls++
		return throttled
	})
	assert.ErrorIs(t, err, throttled)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := NewPolicy(3, time.Hour, time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- policy.Do(ctx, func() error {
			return &retryableErr{retryable: true}
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoFixedEvenlySpacedAttempts(t *testing.T) {
	calls := 0
	err := DoFixed(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("not yet")
	})
	assert.EqualError(t, err, "not yet")
	assert.Equal(t, 3, calls)
}

func TestDoFixedStopsOnSuccess(t *testing.T) {
	calls := 0
	err := DoFixed(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls == 2 {
			return nil
		}
		return errors.New("not yet")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&retryableErr{retryable: true}))
	assert.False(t, IsRetryable(&retryableErr{retryable: false}))
	assert.False(t, IsRetryable(errors.New("plain")))
}
