package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
)

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (d *fakeDeleter) DeleteSeries(metric string, labels map[string]string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, seriesKey(metric, labels))
	return true
}

func TestSweep_ExpiresOnlyAgedOutSeries(t *testing.T) {
	start := time.Now()
	clock := util.NewTestClock(start)
	tracker := NewTracker(clock)
	deleter := &fakeDeleter{}

	// Tier interval 60s, TTL multiplier 3.
	ttl := 180 * time.Second
	tracker.Touch("device_up", map[string]string{"serial": "A"}, ttl)

	clock.Set(start.Add(179 * time.Second))
	assert.Equal(t, 0, tracker.Sweep(deleter))
	assert.Equal(t, 1, tracker.TrackedSeries())

	clock.Set(start.Add(181 * time.Second))
	assert.Equal(t, 1, tracker.Sweep(deleter))
	assert.Equal(t, 0, tracker.TrackedSeries())
	require.Len(t, deleter.deleted, 1)
	assert.Equal(t, seriesKey("device_up", map[string]string{"serial": "A"}), deleter.deleted[0])
}

func TestTouch_RefreshesLastWrite(t *testing.T) {
	start := time.Now()
	clock := util.NewTestClock(start)
	tracker := NewTracker(clock)
	deleter := &fakeDeleter{}

	tracker.Touch("device_up", map[string]string{"serial": "A"}, time.Minute)

	clock.Advance(50 * time.Second)
	tracker.Touch("device_up", map[string]string{"serial": "A"}, time.Minute)

	clock.Advance(50 * time.Second)
	assert.Equal(t, 0, tracker.Sweep(deleter))

	clock.Advance(11 * time.Second)
	assert.Equal(t, 1, tracker.Sweep(deleter))
}

func TestCardinality(t *testing.T) {
	tracker := NewTracker(util.NewTestClock(time.Now()))
	tracker.Touch("device_up", map[string]string{"serial": "A"}, time.Hour)
	tracker.Touch("device_up", map[string]string{"serial": "B"}, time.Hour)
	tracker.Touch("device_up", map[string]string{"serial": "A"}, time.Hour) // same tuple
	tracker.Touch("network_health_score", map[string]string{"network": "n1"}, time.Hour)

	assert.Equal(t, map[string]int{
		"device_up":            2,
		"network_health_score": 1,
	}, tracker.Cardinality())
}

func TestForget(t *testing.T) {
	tracker := NewTracker(util.NewTestClock(time.Now()))
	tracker.Touch("device_up", map[string]string{"serial": "A"}, time.Hour)
	tracker.Forget("device_up", map[string]string{"serial": "A"})
	assert.Equal(t, 0, tracker.TrackedSeries())
}

func TestSeriesKey_LabelOrderIndependent(t *testing.T) {
	a := seriesKey("m", map[string]string{"x": "1", "y": "2"})
	b := seriesKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
}
