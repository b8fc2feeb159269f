package taskgroup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Outcome is the result of one submitted unit. Exactly one of Value, Err is
// meaningful when Abandoned is false; when Abandoned is true the unit was
// never started because the group was cancelled first.
type Outcome[R any] struct {
	Index     int
	Value     R
	Err       error
	Abandoned bool
}

// Report summarises one Run: one outcome per submitted unit, in submission
// order, plus aggregate counts and total wall-clock duration.
type Report[R any] struct {
	Outcomes  []Outcome[R]
	Duration  time.Duration
	Completed int
	Failed    int
	Abandoned int
}

// Run executes fn over all items with at most limit in flight at once.
// A unit failing never cancels its siblings; cancelling ctx stops units that
// have not yet started and lets in-flight units observe cancellation through
// their own ctx. Run returns once every started unit has finished.
func Run[T, R any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) (R, error)) Report[R] {
	if limit < 1 {
		limit = 1
	}

	start := time.Now()
	outcomes := make([]Outcome[R], len(items))
	sem := semaphore.NewWeighted(int64(limit))
	wg := sync.WaitGroup{}

	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Group cancelled: everything not yet started is abandoned.
			for j := i; j < len(items); j++ {
				outcomes[j] = Outcome[R]{Index: j, Err: ctx.Err(), Abandoned: true}
			}
			break
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer sem.Release(1)
			value, err := fn(ctx, item)
			outcomes[i] = Outcome[R]{Index: i, Value: value, Err: err}
		}(i, item)
	}

	wg.Wait()

	report := Report[R]{
		Outcomes: outcomes,
		Duration: time.Since(start),
	}
	for _, outcome := range outcomes {
		switch {
		case outcome.Abandoned:
			report.Abandoned++
		case outcome.Err != nil:
			report.Failed++
		default:
			report.Completed++
		}
	}
	return report
}
