package scheduler

import (
	"context"
	"fmt"
)

// Collector is one named unit of periodic work. The set of collectors is
// assembled once at startup and immutable afterwards.
type Collector struct {
	// Name is unique across the process.
	Name string
	Tier Tier
	// Collect performs one collection pass. Returning a PartialFailure
	// marks the run partial rather than failed.
	Collect func(ctx context.Context) error
}

// PartialFailure wraps the per-item errors of a run that completed but lost
// some of its sub-items, e.g. one organization out of many.
type PartialFailure struct {
	Err error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("collection completed with partial failures: %v", e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// AlreadyRunningError is returned by a manual trigger when the collector's
// previous run is still in flight.
type AlreadyRunningError struct {
	Name string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("collector %q is already running", e.Name)
}

// UnknownCollectorError is returned by a manual trigger for a name that was
// never registered.
type UnknownCollectorError struct {
	Name string
}

func (e *UnknownCollectorError) Error() string {
	return fmt.Sprintf("unknown collector %q", e.Name)
}
