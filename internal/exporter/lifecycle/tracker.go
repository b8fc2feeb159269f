package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
)

// Deleter removes one series from the metrics registry. Implemented by the
// registry; the sweep is the registry's only deletion path.
type Deleter interface {
	DeleteSeries(metric string, labels map[string]string) bool
}

type record struct {
	metric    string
	labels    map[string]string
	lastWrite time.Time
	ttl       time.Duration
}

var (
	trackedSeries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cloudpulse_lifecycle_tracked_series",
		Help: "Number of metric series currently tracked for expiry.",
	})
	expiredSeries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudpulse_lifecycle_expired_series_total",
		Help: "Metric series removed because they outlived their tier TTL.",
	})
)

// Tracker records the last write time of every published metric series and
// periodically expires series whose age exceeds their owning tier's TTL, so
// devices that disappear from inventory do not leave stale label
// combinations visible forever. It also tallies label-tuple cardinality per
// metric name.
type Tracker struct {
	mu     sync.Mutex
	series map[string]*record
	clock  util.Clock
}

func NewTracker(clock util.Clock) *Tracker {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &Tracker{
		series: map[string]*record{},
		clock:  clock,
	}
}

// Touch stamps one series as written now. ttl is the owning tier's interval
// multiplied by its TTL multiplier. Must be called in the same logical step
// as the registry write or the pair will incorrectly age out.
func (t *Tracker) Touch(metric string, labels map[string]string, ttl time.Duration) {
	key := seriesKey(metric, labels)
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.series[key]
	if !ok {
		copied := make(map[string]string, len(labels))
		for k, v := range labels {
			copied[k] = v
		}
		existing = &record{metric: metric, labels: copied}
		t.series[key] = existing
		trackedSeries.Set(float64(len(t.series)))
	}
	existing.lastWrite = t.clock.Now()
	existing.ttl = ttl
}

// Forget drops a series from tracking without touching the registry, for
// callers that cleared the series themselves.
func (t *Tracker) Forget(metric string, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.series, seriesKey(metric, labels))
	trackedSeries.Set(float64(len(t.series)))
}

// Sweep removes every series whose age exceeds its TTL from both the
// registry and the timestamp index. Returns the number of series removed.
func (t *Tracker) Sweep(deleter Deleter) int {
	now := t.clock.Now()

	t.mu.Lock()
	expired := make([]*record, 0)
	for key, rec := range t.series {
		if now.Sub(rec.lastWrite) > rec.ttl {
			expired = append(expired, rec)
			delete(t.series, key)
		}
	}
	trackedSeries.Set(float64(len(t.series)))
	t.mu.Unlock()

	for _, rec := range expired {
		deleter.DeleteSeries(rec.metric, rec.labels)
		expiredSeries.Inc()
	}
	if len(expired) > 0 {
		log.Infof("expired %d stale metric series", len(expired))
	}
	return len(expired)
}

// Run sweeps on every tick of interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, deleter Deleter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(deleter)
		}
	}
}

// Cardinality returns the count of distinct label tuples per metric name.
func (t *Tracker) Cardinality() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := map[string]int{}
	for _, rec := range t.series {
		counts[rec.metric]++
	}
	return counts
}

// TrackedSeries returns the number of series currently tracked.
func (t *Tracker) TrackedSeries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.series)
}

func seriesKey(metric string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := strings.Builder{}
	b.WriteString(metric)
	for _, k := range keys {
		b.WriteByte(0xff)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
