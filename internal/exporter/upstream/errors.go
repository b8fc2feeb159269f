package upstream

import (
	"fmt"
	"time"
)

// RateLimitedError indicates the upstream rejected the call because the
// shared rate limit was exceeded. RetryAfter is zero when the upstream gave
// no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "upstream rate limit exceeded"
}

// TransientError indicates a failure worth retrying: a network error or a
// 5xx response.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upstream error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// FatalError indicates a failure that retrying cannot fix, e.g. a 4xx other
// than rate limiting or a malformed request.
type FatalError struct {
	StatusCode int
	Cause      error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal upstream error: %v", e.Cause)
	}
	return fmt.Sprintf("fatal upstream error: status %d", e.StatusCode)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// RetriesExhaustedError is returned by the retry policy once the attempt cap
// is reached without success.
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }

// TimeoutExceededError is returned by the retry policy when the cumulative
// backoff wait for one logical call would exceed its wall-clock budget.
type TimeoutExceededError struct {
	Budget  time.Duration
	LastErr error
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("retry budget of %s exceeded: %v", e.Budget, e.LastErr)
}

func (e *TimeoutExceededError) Unwrap() error { return e.LastErr }
