package health

import "sync"

type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function into a Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error { return f() }

// StartupCompleteChecker fails until the application reports that startup
// finished, so orchestrators do not route to a half-wired process.
type StartupCompleteChecker struct {
	mu       sync.Mutex
	complete bool
	err      error
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{err: errIncomplete}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
	c.err = nil
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
