package taskgroup

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_AllUnitsComplete(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	report := Run(context.Background(), 2, items, func(_ context.Context, i int) (int, error) {
		return i * 10, nil
	})

	require.Len(t, report.Outcomes, 5)
	assert.Equal(t, 5, report.Completed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Abandoned)
	for i, outcome := range report.Outcomes {
		assert.Equal(t, i, outcome.Index)
		assert.Equal(t, items[i]*10, outcome.Value)
		assert.NoError(t, outcome.Err)
	}
}

func TestRun_ConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 3
	const n = 10

	release := make(chan struct{})
	var inFlight, maxInFlight int64

	done := make(chan Report[struct{}])
	go func() {
		done <- Run(context.Background(), limit, make([]int, n), func(_ context.Context, _ int) (struct{}, error) {
			current := atomic.AddInt64(&inFlight, 1)
			for {
				max := atomic.LoadInt64(&maxInFlight)
				if current <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, current) {
					break
				}
			}
			<-release
			atomic.AddInt64(&inFlight, -1)
			return struct{}{}, nil
		})
	}()

	// Give the group time to saturate its limit, then release everything.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(limit), atomic.LoadInt64(&inFlight))
	close(release)

	report := <-done
	assert.Equal(t, n, report.Completed)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(limit))
}

func TestRun_OneFailureDoesNotCancelSiblings(t *testing.T) {
	report := Run(context.Background(), 2, []int{0, 1, 2, 3}, func(_ context.Context, i int) (int, error) {
		if i == 1 {
			return 0, fmt.Errorf("unit %d failed", i)
		}
		return i, nil
	})

	assert.Equal(t, 3, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Abandoned)
	assert.Error(t, report.Outcomes[1].Err)
	assert.NoError(t, report.Outcomes[3].Err)
}

func TestRun_CancellationAbandonsUnstartedUnits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	report := make(chan Report[struct{}])
	go func() {
		report <- Run(ctx, 1, make([]int, 5), func(ctx context.Context, _ int) (struct{}, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return struct{}{}, nil
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			}
		})
	}()

	<-started
	cancel()
	close(release)

	r := <-report
	require.Len(t, r.Outcomes, 5)
	assert.GreaterOrEqual(t, r.Abandoned, 3)
	for _, outcome := range r.Outcomes {
		if outcome.Abandoned {
			assert.Error(t, outcome.Err)
		}
	}
}

func TestRun_LimitBelowOneRunsSerially(t *testing.T) {
	var inFlight int64
	report := Run(context.Background(), 0, []int{1, 2, 3}, func(_ context.Context, i int) (int, error) {
		require.Equal(t, int64(1), atomic.AddInt64(&inFlight, 1))
		defer atomic.AddInt64(&inFlight, -1)
		return i, nil
	})
	assert.Equal(t, 3, report.Completed)
}
