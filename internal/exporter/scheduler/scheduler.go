package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cloudpulse-io/cloudpulse/internal/common/taskgroup"
	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cloudpulse_collector_run_duration_seconds",
		Help:    "Duration of collector runs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"collector", "tier"})
	runOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudpulse_collector_runs_total",
		Help: "Collector runs by outcome.",
	}, []string{"collector", "outcome"})
)

// Scheduler owns the static collector set and drives each tier on its own
// drift-free timer. A per-collector run guard guarantees at most one
// concurrent run per collector no matter whether a timer or a manual trigger
// started it.
type Scheduler struct {
	collectors      map[string]*Collector
	byTier          map[Tier][]*Collector
	tierConfigs     map[Tier]TierConfig
	tierConcurrency int
	status          *StatusRegistry
	guards          map[string]chan struct{}
	clock           util.Clock
	sleep           func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	runCtx context.Context
	wg     sync.WaitGroup
}

func New(collectors []*Collector, tierConfigs map[Tier]TierConfig, tierConcurrency int, status *StatusRegistry, clock util.Clock) (*Scheduler, error) {
	if tierConcurrency < 1 {
		tierConcurrency = 1
	}
	if clock == nil {
		clock = &util.DefaultClock{}
	}

	scheduler := &Scheduler{
		collectors:      map[string]*Collector{},
		byTier:          map[Tier][]*Collector{},
		tierConfigs:     tierConfigs,
		tierConcurrency: tierConcurrency,
		status:          status,
		guards:          map[string]chan struct{}{},
		clock:           clock,
		sleep:           sleepWithTimer,
	}
	for _, collector := range collectors {
		if _, exists := scheduler.collectors[collector.Name]; exists {
			return nil, errors.New("duplicate collector name " + collector.Name)
		}
		if _, ok := tierConfigs[collector.Tier]; !ok {
			return nil, errors.New("no tier config for collector " + collector.Name)
		}
		scheduler.collectors[collector.Name] = collector
		scheduler.byTier[collector.Tier] = append(scheduler.byTier[collector.Tier], collector)
		guard := make(chan struct{}, 1)
		guard <- struct{}{}
		scheduler.guards[collector.Name] = guard
	}
	return scheduler, nil
}

// Run drives all tier loops until ctx is cancelled, then waits for in-flight
// runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	for tier, collectors := range s.byTier {
		if len(collectors) == 0 {
			continue
		}
		s.wg.Add(1)
		go func(tier Tier) {
			defer s.wg.Done()
			s.runTierLoop(ctx, tier)
		}(tier)
	}
	<-ctx.Done()
	s.wg.Wait()
}

// TriggerCollector runs one collector immediately, outside its tier's timer.
// Returns AlreadyRunningError if its previous run is still in flight and
// UnknownCollectorError for an unregistered name. The run itself happens
// asynchronously.
func (s *Scheduler) TriggerCollector(ctx context.Context, name string) error {
	collector, ok := s.collectors[name]
	if !ok {
		return &UnknownCollectorError{Name: name}
	}
	// The run outlives the caller (typically an HTTP request), so it runs
	// under the scheduler's own lifetime context and stops with the process.
	runCtx := s.lifetimeContext(ctx)
	if err := runCtx.Err(); err != nil {
		return err
	}
	guard := s.guards[name]
	select {
	case <-guard:
	default:
		return &AlreadyRunningError{Name: name}
	}

	log.Infof("manual trigger accepted for collector %s", name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { guard <- struct{}{} }()
		s.runCollector(runCtx, collector)
	}()
	return nil
}

// lifetimeContext is the context Run was started with, or fallback when the
// scheduler is not running.
func (s *Scheduler) lifetimeContext(fallback context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return fallback
}

func (s *Scheduler) runTierLoop(ctx context.Context, tier Tier) {
	interval := s.tierConfigs[tier].Interval
	logger := log.WithField("tier", tier.String())
	logger.Infof("starting tier loop with interval %s", interval)

	anchor := s.clock.Now()
	next := anchor.Add(interval)
	for {
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		if !s.sleep(ctx, wait) {
			logger.Info("tier loop stopped")
			return
		}

		s.runTierOnce(ctx, tier)
		next = nextAnchoredTick(anchor, interval, next, s.clock.Now())
	}
}

// sleepWithTimer waits for d on a real timer. Returns false when ctx was
// cancelled before the timer fired.
func sleepWithTimer(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextAnchoredTick computes the fire time following prev. Ticks stay anchored
// to start so long runs cause no cumulative drift. When a run overran its
// interval the returned time is the most recent missed slot, which is already
// due, so exactly one tick fires immediately; slots missed during the overrun
// are coalesced into it rather than queued.
func nextAnchoredTick(anchor time.Time, interval time.Duration, prev time.Time, now time.Time) time.Time {
	next := prev.Add(interval)
	if next.After(now) {
		return next
	}
	elapsed := now.Sub(anchor)
	return anchor.Add(interval * (elapsed / interval))
}

func (s *Scheduler) runTierOnce(ctx context.Context, tier Tier) {
	collectors := s.byTier[tier]
	report := taskgroup.Run(ctx, s.tierConcurrency, collectors, func(ctx context.Context, collector *Collector) (struct{}, error) {
		guard := s.guards[collector.Name]
		select {
		case <-guard:
		default:
			// Previous run still in flight: the tick is dropped, never queued.
			now := s.clock.Now()
			s.recordRun(collector, Run{StartedAt: now, FinishedAt: now, Outcome: OutcomeSkipped})
			return struct{}{}, nil
		}
		defer func() { guard <- struct{}{} }()
		s.runCollector(ctx, collector)
		return struct{}{}, nil
	})
	log.WithField("tier", tier.String()).Debugf(
		"tier pass finished in %s: %d completed, %d abandoned", report.Duration, report.Completed, report.Abandoned)
}

// runCollector executes one pass. The caller must hold the collector's run
// guard.
func (s *Scheduler) runCollector(ctx context.Context, collector *Collector) {
	logger := log.WithField("collector", collector.Name).WithField("runId", uuid.NewString())
	s.status.MarkRunning(collector.Name)
	started := s.clock.Now()

	err := s.safeCollect(ctx, collector)
	finished := s.clock.Now()

	run := Run{StartedAt: started, FinishedAt: finished}
	var partial *PartialFailure
	switch {
	case err == nil:
		run.Outcome = OutcomeSuccess
	case errors.As(err, &partial):
		run.Outcome = OutcomePartial
		run.Error = err.Error()
		logger.WithError(err).Warn("collection pass partially failed")
	default:
		run.Outcome = OutcomeFailed
		run.Error = err.Error()
		logger.WithError(err).Error("collection pass failed")
	}
	s.recordRun(collector, run)
	runDuration.WithLabelValues(collector.Name, collector.Tier.String()).Observe(finished.Sub(started).Seconds())
}

// safeCollect keeps a panicking collector from taking down its tier.
func (s *Scheduler) safeCollect(ctx context.Context, collector *Collector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("collector panicked")
			log.Errorf("collector %s panicked: %v", collector.Name, r)
		}
	}()
	return collector.Collect(ctx)
}

func (s *Scheduler) recordRun(collector *Collector, run Run) {
	s.status.Record(collector.Name, run)
	runOutcomes.WithLabelValues(collector.Name, string(run.Outcome)).Inc()
}
