package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
)

func newTestPolicy(maxAttempts int, budget time.Duration) (*Policy, *[]time.Duration) {
	waits := &[]time.Duration{}
	policy := NewPolicy(maxAttempts, time.Second, 30*time.Second, budget).
		WithJitter(func() float64 { return 1.0 }).
		WithSleep(func(_ context.Context, d time.Duration) error {
			*waits = append(*waits, d)
			return nil
		})
	return policy, waits
}

func TestDo_RateLimitedHonoursRetryAfterHint(t *testing.T) {
	policy, waits := newTestPolicy(4, time.Minute)

	attempts := 0
	err := policy.Do(context.Background(), nil, func(_ context.Context) error {
		attempts++
		if attempts <= 2 {
			return &RateLimitedError{RetryAfter: 5 * time.Second}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, *waits, 2)
	for _, wait := range *waits {
		assert.GreaterOrEqual(t, wait, 5*time.Second)
	}
}

func TestDo_TransientExhaustsAttempts(t *testing.T) {
	policy, waits := newTestPolicy(4, time.Hour)

	attempts := 0
	err := policy.Do(context.Background(), nil, func(_ context.Context) error {
		attempts++
		return &TransientError{Cause: errors.New("connection reset")}
	})

	assert.Equal(t, 4, attempts)
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	// Exponential schedule with unit jitter: 1s, 2s, 4s.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
}

func TestDo_FatalNeverRetries(t *testing.T) {
	policy, waits := newTestPolicy(4, time.Hour)

	attempts := 0
	err := policy.Do(context.Background(), nil, func(_ context.Context) error {
		attempts++
		return &FatalError{StatusCode: 400}
	})

	assert.Equal(t, 1, attempts)
	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.Empty(t, *waits)
}

func TestDo_BudgetAbortsEarly(t *testing.T) {
	policy, _ := newTestPolicy(10, 2*time.Second)

	attempts := 0
	err := policy.Do(context.Background(), nil, func(_ context.Context) error {
		attempts++
		return &RateLimitedError{RetryAfter: 5 * time.Second}
	})

	var timeout *TimeoutExceededError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 2*time.Second, timeout.Budget)
	assert.Equal(t, 1, attempts)
}

func TestDo_UpdatesTargetState(t *testing.T) {
	policy, _ := newTestPolicy(4, time.Hour)
	store := NewLimiterStore(1000, 1000, util.NewTestClock(time.Now()))
	target := store.Get("org-1")

	attempts := 0
	err := policy.Do(context.Background(), target, func(_ context.Context) error {
		attempts++
		if attempts == 1 {
			return &RateLimitedError{}
		}
		return nil
	})

	require.NoError(t, err)
	// One limited observation then one success decaying the level back.
	assert.Equal(t, 0, target.BackoffLevel())
	assert.False(t, target.LastLimited().IsZero())
}

func TestDo_SuccessFirstTry(t *testing.T) {
	policy, waits := newTestPolicy(4, time.Hour)
	err := policy.Do(context.Background(), nil, func(_ context.Context) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, *waits)
}

func TestDo_CancelledContextStopsSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := NewPolicy(4, time.Second, 30*time.Second, time.Hour).
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		})

	err := policy.Do(ctx, nil, func(_ context.Context) error {
		return &TransientError{Cause: errors.New("boom")}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
