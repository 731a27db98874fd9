package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond}
	ctx := context.Background()

	calls := 0
	v, err := WithRetry(ctx, p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, Transient(errors.New("reset by peer"))
		}
		return 7, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = WithRetry(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, RateLimited(CodeTooManyRequests, "slow down")
	})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, calls, "attempt ceiling")

	calls = 0
	_, err = WithRetry(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, Rejected(-2019, "Margin is insufficient.")
	})
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, 1, calls, "rejections are not retried")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = WithRetry(cancelled, RetryPolicy{Attempts: 3, BaseBackoff: time.Hour}, func(context.Context) (int, error) {
		return 0, Transient(errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithRetryThrottlesEveryAttempt(t *testing.T) {
	t.Parallel()

	waits, calls := 0, 0
	p := RetryPolicy{
		Attempts:    3,
		BaseBackoff: time.Millisecond,
		Throttle: func(context.Context) error {
			waits++
			return nil
		},
	}
	_, err := WithRetry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("reset by peer"))
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, waits)

	calls = 0
	p.Throttle = func(ctx context.Context) error { return context.DeadlineExceeded }
	_, err = WithRetry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, calls, "nothing is submitted when the limiter refuses")
}
