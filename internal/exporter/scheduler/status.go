package scheduler

import (
	"sync"
	"time"
)

// Outcome of one collector run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Run is one execution of a collector. Only the most recent is retained.
type Run struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Error      string
}

// Status is the diagnostic view of one collector, read by the health and
// status endpoints.
type Status struct {
	Name                string
	Tier                Tier
	Running             bool
	LastRun             *Run
	ConsecutiveFailures int
}

// StatusRegistry records each collector's most recent run and its
// consecutive-failure streak. Only the scheduler writes to it.
type StatusRegistry struct {
	mu       sync.RWMutex
	statuses map[string]*Status
	order    []string
}

func NewStatusRegistry(collectors []*Collector) *StatusRegistry {
	registry := &StatusRegistry{statuses: map[string]*Status{}}
	for _, collector := range collectors {
		registry.statuses[collector.Name] = &Status{Name: collector.Name, Tier: collector.Tier}
		registry.order = append(registry.order, collector.Name)
	}
	return registry
}

// MarkRunning flags a collector as in flight until its run is recorded.
func (r *StatusRegistry) MarkRunning(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.statuses[name]; ok {
		status.Running = true
	}
}

// Record overwrites the collector's last-run slot. Success and partial
// outcomes reset the consecutive-failure streak, failed increments it,
// skipped leaves it untouched.
func (r *StatusRegistry) Record(name string, run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[name]
	if !ok {
		return
	}
	status.Running = false
	runCopy := run
	status.LastRun = &runCopy
	switch run.Outcome {
	case OutcomeSuccess, OutcomePartial:
		status.ConsecutiveFailures = 0
	case OutcomeFailed:
		status.ConsecutiveFailures++
	}
}

// Get returns a copy of one collector's status.
func (r *StatusRegistry) Get(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.statuses[name]
	if !ok {
		return Status{}, false
	}
	return copyStatus(status), true
}

// List returns copies of all statuses in registration order.
func (r *StatusRegistry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		statuses = append(statuses, copyStatus(r.statuses[name]))
	}
	return statuses
}

func copyStatus(status *Status) Status {
	copied := *status
	if status.LastRun != nil {
		run := *status.LastRun
		copied.LastRun = &run
	}
	return copied
}
