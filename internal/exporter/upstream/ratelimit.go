package upstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
)

// TargetState tracks rate-limit pressure for one upstream target, typically
// an organization. All collectors touching the same target share one
// TargetState so that a 429 seen by one of them proactively throttles the
// rest instead of every caller hitting the limit in turn.
type TargetState struct {
	mu                 sync.Mutex
	limiter            *rate.Limiter
	backoffLevel       int
	lastLimited        time.Time
	retryAfterDeadline time.Time
	clock              util.Clock
	sleep              func(ctx context.Context, d time.Duration) error
}

// Wait blocks until this target may issue another upstream call: first until
// any explicit retry-after deadline has passed, then until the smoothing
// limiter grants a token.
func (t *TargetState) Wait(ctx context.Context) error {
	t.mu.Lock()
	deadline := t.retryAfterDeadline
	now := t.clock.Now()
	t.mu.Unlock()

	if deadline.After(now) {
		if err := t.sleep(ctx, deadline.Sub(now)); err != nil {
			return err
		}
	}
	return t.limiter.Wait(ctx)
}

// WithSleep replaces the wait implementation; used by tests.
func (t *TargetState) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *TargetState {
	t.sleep = sleep
	return t
}

// ObserveRateLimited records an explicit rate-limit rejection for this
// target. retryAfter may be zero.
func (t *TargetState) ObserveRateLimited(retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backoffLevel++
	t.lastLimited = t.clock.Now()
	if retryAfter > 0 {
		t.retryAfterDeadline = t.clock.Now().Add(retryAfter)
	}
}

// ObserveSuccess decays the backoff level after a successful call.
func (t *TargetState) ObserveSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backoffLevel > 0 {
		t.backoffLevel--
	}
	t.retryAfterDeadline = time.Time{}
}

func (t *TargetState) BackoffLevel() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backoffLevel
}

func (t *TargetState) LastLimited() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLimited
}

// LimiterStore hands out the shared TargetState for each upstream target.
type LimiterStore struct {
	mu           sync.Mutex
	states       map[string]*TargetState
	perTargetRPS rate.Limit
	burst        int
	clock        util.Clock
}

func NewLimiterStore(perTargetRPS float64, burst int, clock util.Clock) *LimiterStore {
	if burst < 1 {
		burst = 1
	}
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &LimiterStore{
		states:       map[string]*TargetState{},
		perTargetRPS: rate.Limit(perTargetRPS),
		burst:        burst,
		clock:        clock,
	}
}

func (s *LimiterStore) Get(target string) *TargetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[target]
	if !ok {
		state = &TargetState{
			limiter: rate.NewLimiter(s.perTargetRPS, s.burst),
			clock:   s.clock,
			sleep:   sleepWithContext,
		}
		s.states[target] = state
	}
	return state
}
