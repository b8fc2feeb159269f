package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudpulse-io/cloudpulse/internal/exporter/lifecycle"
)

// Def declares one exported metric: its name, help text, label names and the
// TTL its series inherit from the owning collector's tier.
type Def struct {
	Name   string
	Help   string
	Labels []string
	TTL    time.Duration
}

// Registry owns the exported gauge vectors. Every write stamps the lifecycle
// tracker in the same step, and the tracker's sweep is the only caller of the
// deletion path.
type Registry struct {
	gauges  map[string]*prometheus.GaugeVec
	ttls    map[string]time.Duration
	tracker *lifecycle.Tracker
}

func NewRegistry(registerer prometheus.Registerer, defs []Def, tracker *lifecycle.Tracker) (*Registry, error) {
	registry := &Registry{
		gauges:  make(map[string]*prometheus.GaugeVec, len(defs)),
		ttls:    make(map[string]time.Duration, len(defs)),
		tracker: tracker,
	}
	for _, def := range defs {
		if _, exists := registry.gauges[def.Name]; exists {
			return nil, errors.Errorf("duplicate metric definition %q", def.Name)
		}
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.Labels)
		if err := registerer.Register(vec); err != nil {
			return nil, errors.Wrapf(err, "registering metric %q", def.Name)
		}
		registry.gauges[def.Name] = vec
		registry.ttls[def.Name] = def.TTL
	}
	return registry, nil
}

// Write publishes one value, overwriting any previous value for the same
// label tuple, and records the write time for expiry.
func (r *Registry) Write(metric string, labels map[string]string, value float64) error {
	vec, ok := r.gauges[metric]
	if !ok {
		return errors.Errorf("write to undeclared metric %q", metric)
	}
	gauge, err := vec.GetMetricWith(labels)
	if err != nil {
		return errors.Wrapf(err, "writing metric %q", metric)
	}
	gauge.Set(value)
	r.tracker.Touch(metric, labels, r.ttls[metric])
	return nil
}

// DeleteSeries implements lifecycle.Deleter.
func (r *Registry) DeleteSeries(metric string, labels map[string]string) bool {
	vec, ok := r.gauges[metric]
	if !ok {
		return false
	}
	return vec.Delete(labels)
}
