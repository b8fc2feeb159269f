package upstream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// Policy retries a single upstream call with exponential backoff and jitter.
// Rate-limited and transient failures are retried, fatal failures surface
// immediately. A wall-clock budget caps cumulative waiting for one logical
// call so a badly limited target cannot starve its whole tier.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	budget      time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewPolicy(maxAttempts int, baseDelay, maxDelay, budget time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		budget:      budget,
		sleep:       sleepWithContext,
		jitter: func() float64 {
			return 0.5 + rand.Float64()
		},
	}
}

// WithSleep replaces the wait implementation; used by tests.
func (p *Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Policy {
	p.sleep = sleep
	return p
}

// WithJitter replaces the jitter source; used by tests.
func (p *Policy) WithJitter(jitter func() float64) *Policy {
	p.jitter = jitter
	return p
}

// Do invokes f until it succeeds, a fatal error surfaces, the attempt cap is
// reached or the wait budget runs out. When target is non-nil its shared
// rate-limit state is consulted before the first attempt and updated after
// every attempt.
func (p *Policy) Do(ctx context.Context, target *TargetState, f func(ctx context.Context) error) error {
	if target != nil {
		if err := target.Wait(ctx); err != nil {
			return err
		}
	}

	var waited time.Duration
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		err := f(ctx)
		if err == nil {
			if target != nil {
				target.ObserveSuccess()
			}
			return nil
		}
		lastErr = err

		var delay time.Duration
		var rateLimited *RateLimitedError
		var transient *TransientError
		switch {
		case errors.As(err, &rateLimited):
			if target != nil {
				target.ObserveRateLimited(rateLimited.RetryAfter)
			}
			delay = p.backoff(attempt)
			if rateLimited.RetryAfter > delay {
				delay = rateLimited.RetryAfter
			}
		case errors.As(err, &transient):
			delay = p.backoff(attempt)
		default:
			// Fatal or unclassified: retrying cannot help.
			return err
		}

		if attempt == p.maxAttempts-1 {
			break
		}
		if p.budget > 0 && waited+delay > p.budget {
			return &TimeoutExceededError{Budget: p.budget, LastErr: lastErr}
		}
		log.WithError(err).Debugf("retrying upstream call in %s (attempt %d of %d)", delay, attempt+1, p.maxAttempts)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		waited += delay
	}
	return &RetriesExhaustedError{Attempts: p.maxAttempts, LastErr: lastErr}
}

func (p *Policy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.baseDelay) * math.Pow(2, float64(attempt)) * p.jitter())
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
