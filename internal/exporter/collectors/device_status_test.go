package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/inventory"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/lifecycle"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/metrics"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/scheduler"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/upstream"
)

// fakeInvoker serves canned responses per (endpoint, organizationId).
type fakeInvoker struct {
	mu        sync.Mutex
	responses map[string][]json.RawMessage
	errors    map[string]error
	calls     []string
}

func (f *fakeInvoker) Invoke(_ context.Context, endpoint string, params upstream.Params) (*upstream.Payload, error) {
	key := endpoint
	if org, ok := params["organizationId"]; ok {
		key = endpoint + "/" + org
	}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	if err, ok := f.errors[key]; ok {
		return nil, err
	}
	return &upstream.Payload{Items: f.responses[key], Pages: 1}, nil
}

var testTierConfigs = map[scheduler.Tier]scheduler.TierConfig{
	scheduler.TierFast:   {Interval: time.Minute, TTLMultiplier: 3},
	scheduler.TierMedium: {Interval: 5 * time.Minute, TTLMultiplier: 3},
	scheduler.TierSlow:   {Interval: time.Hour, TTLMultiplier: 3},
}

func newTestServices(t *testing.T, invoker *fakeInvoker) (*Services, *prometheus.Registry) {
	clock := util.NewTestClock(time.Now())
	promRegistry := prometheus.NewRegistry()
	tracker := lifecycle.NewTracker(clock)
	registry, err := metrics.NewRegistry(promRegistry, Defs(testTierConfigs), tracker)
	require.NoError(t, err)

	limits := upstream.NewLimiterStore(1000, 1000, clock)
	policy := upstream.NewPolicy(2, time.Millisecond, time.Millisecond, time.Minute)

	ttls := map[inventory.ResourceType]time.Duration{
		inventory.Organizations: time.Hour,
		inventory.Networks:      time.Hour,
		inventory.Devices:       time.Hour,
	}
	cache := inventory.NewCache(func(ctx context.Context, resource inventory.ResourceType, scope string) ([]inventory.Entry, error) {
		params := upstream.Params{}
		if scope != "" {
			params["organizationId"] = scope
		}
		payload, err := invoker.Invoke(ctx, string(resource), params)
		if err != nil {
			return nil, err
		}
		return inventory.DecodeEntries(payload.Items)
	}, ttls, clock)

	return &Services{
		Inventory: cache,
		Invoker:   invoker,
		Retry:     policy,
		Limits:    limits,
		Registry:  registry,
	}, promRegistry
}

func TestDeviceStatusCollector_WritesMetrics(t *testing.T) {
	invoker := &fakeInvoker{
		responses: map[string][]json.RawMessage{
			"organizations": {[]byte(`{"id":"org-1","name":"Main"}`)},
			"deviceStatuses/org-1": {
				[]byte(`{"serial":"Q2XX-1","name":"ap-1","networkId":"n1","status":"online"}`),
				[]byte(`{"serial":"Q2XX-2","name":"sw-1","networkId":"n1","status":"offline"}`),
			},
		},
	}
	services, promRegistry := newTestServices(t, invoker)
	collector := NewDeviceStatusCollector(services, 2)

	require.NoError(t, collector.Collect(context.Background()))

	assert.Equal(t, 2, testutil.CollectAndCount(promRegistry, MetricDeviceUp))
	assert.Equal(t, 1.0, seriesValue(t, promRegistry, MetricDeviceUp, map[string]string{"serial": "Q2XX-1"}))
	assert.Equal(t, 0.0, seriesValue(t, promRegistry, MetricDeviceUp, map[string]string{"serial": "Q2XX-2"}))
}

// seriesValue reads one series back out of the gathered registry state.
func seriesValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matched = false
					break
				}
			}
			if matched {
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestDeviceStatusCollector_OneOrgFailingIsPartial(t *testing.T) {
	invoker := &fakeInvoker{
		responses: map[string][]json.RawMessage{
			"organizations": {
				[]byte(`{"id":"org-1"}`),
				[]byte(`{"id":"org-2"}`),
			},
			"deviceStatuses/org-1": {
				[]byte(`{"serial":"Q2XX-1","name":"ap-1","networkId":"n1","status":"online"}`),
			},
		},
		errors: map[string]error{
			"deviceStatuses/org-2": &upstream.FatalError{StatusCode: 400},
		},
	}
	services, promRegistry := newTestServices(t, invoker)
	collector := NewDeviceStatusCollector(services, 2)

	err := collector.Collect(context.Background())
	var partial *scheduler.PartialFailure
	require.ErrorAs(t, err, &partial)

	// The healthy organization's metrics still landed.
	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, MetricDeviceUp))
}

func TestDeviceStatusCollector_OrganizationListFailureFailsRun(t *testing.T) {
	invoker := &fakeInvoker{
		errors: map[string]error{
			"organizations": &upstream.FatalError{StatusCode: 401},
		},
	}
	services, _ := newTestServices(t, invoker)
	collector := NewDeviceStatusCollector(services, 2)

	err := collector.Collect(context.Background())
	require.Error(t, err)
	var partial *scheduler.PartialFailure
	assert.False(t, errors.As(err, &partial))
}

func TestOrgInventoryCollector_WritesCounts(t *testing.T) {
	invoker := &fakeInvoker{
		responses: map[string][]json.RawMessage{
			"organizations":  {[]byte(`{"id":"org-1"}`)},
			"networks/org-1": {[]byte(`{"id":"n1"}`), []byte(`{"id":"n2"}`)},
			"devices/org-1":  {[]byte(`{"serial":"Q2XX-1"}`)},
			"licenseOverview/org-1": {
				[]byte(`{"licensedDeviceCounts":{"wireless":5,"switch":2}}`),
			},
		},
	}
	services, promRegistry := newTestServices(t, invoker)
	collector := NewOrgInventoryCollector(services, 2)

	require.NoError(t, collector.Collect(context.Background()))

	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, MetricOrgNetworkCount))
	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, MetricOrgDeviceCount))
	assert.Equal(t, 2, testutil.CollectAndCount(promRegistry, MetricOrgLicensedDevices))
}

func TestNetworkHealthCollector_WritesScores(t *testing.T) {
	invoker := &fakeInvoker{
		responses: map[string][]json.RawMessage{
			"organizations": {[]byte(`{"id":"org-1"}`)},
			"networkHealth/org-1": {
				[]byte(`{"networkId":"n1","score":98,"clientCount":41}`),
				[]byte(`{"networkId":"n2","score":73}`),
			},
		},
	}
	services, promRegistry := newTestServices(t, invoker)
	collector := NewNetworkHealthCollector(services, 2)

	require.NoError(t, collector.Collect(context.Background()))

	assert.Equal(t, 2, testutil.CollectAndCount(promRegistry, MetricNetworkHealthScore))
	assert.Equal(t, 1, testutil.CollectAndCount(promRegistry, MetricNetworkClientCount))
}
