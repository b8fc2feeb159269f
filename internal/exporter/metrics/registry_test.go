package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/lifecycle"
)

func newTestRegistry(t *testing.T, clock util.Clock) (*Registry, *lifecycle.Tracker, *prometheus.Registry) {
	promRegistry := prometheus.NewRegistry()
	tracker := lifecycle.NewTracker(clock)
	registry, err := NewRegistry(promRegistry, []Def{
		{Name: "device_up", Help: "Device reachability.", Labels: []string{"org", "serial"}, TTL: 3 * time.Minute},
	}, tracker)
	require.NoError(t, err)
	return registry, tracker, promRegistry
}

func TestWrite_SetsGaugeAndStampsTracker(t *testing.T) {
	clock := util.NewTestClock(time.Now())
	registry, tracker, promRegistry := newTestRegistry(t, clock)

	err := registry.Write("device_up", map[string]string{"org": "o1", "serial": "A"}, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, "device_up"))
	assert.Equal(t, 1, tracker.TrackedSeries())
}

func TestWrite_UndeclaredMetric(t *testing.T) {
	registry, _, _ := newTestRegistry(t, util.NewTestClock(time.Now()))
	err := registry.Write("unknown_metric", map[string]string{}, 1)
	assert.Error(t, err)
}

func TestWrite_OverwriteIsIdempotent(t *testing.T) {
	registry, tracker, promRegistry := newTestRegistry(t, util.NewTestClock(time.Now()))

	labels := map[string]string{"org": "o1", "serial": "A"}
	require.NoError(t, registry.Write("device_up", labels, 0))
	require.NoError(t, registry.Write("device_up", labels, 1))

	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, "device_up"))
	assert.Equal(t, 1, tracker.TrackedSeries())
}

func TestSweep_RemovesExpiredSeriesFromRegistry(t *testing.T) {
	start := time.Now()
	clock := util.NewTestClock(start)
	registry, tracker, promRegistry := newTestRegistry(t, clock)

	require.NoError(t, registry.Write("device_up", map[string]string{"org": "o1", "serial": "A"}, 1))
	require.NoError(t, registry.Write("device_up", map[string]string{"org": "o1", "serial": "B"}, 1))

	// Refresh only serial A, then age past the 3m TTL.
	clock.Set(start.Add(2 * time.Minute))
	require.NoError(t, registry.Write("device_up", map[string]string{"org": "o1", "serial": "A"}, 1))

	clock.Set(start.Add(3*time.Minute + time.Second))
	removed := tracker.Sweep(registry)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, "device_up"))
}

func TestNewRegistry_DuplicateDefinition(t *testing.T) {
	_, err := NewRegistry(prometheus.NewRegistry(), []Def{
		{Name: "m", Labels: []string{"a"}},
		{Name: "m", Labels: []string{"a"}},
	}, lifecycle.NewTracker(util.NewTestClock(time.Now())))
	assert.Error(t, err)
}
