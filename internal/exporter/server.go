package exporter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cloudpulse-io/cloudpulse/internal/common/health"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/lifecycle"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/scheduler"
)

// collectorStatusView is the JSON shape of one collector on /api/status.
type collectorStatusView struct {
	Name                string `json:"name"`
	Tier                string `json:"tier"`
	Running             bool   `json:"running"`
	LastRunAt           string `json:"lastRunAt,omitempty"`
	LastDurationMs      int64  `json:"lastDurationMs,omitempty"`
	LastOutcome         string `json:"lastOutcome,omitempty"`
	LastError           string `json:"lastError,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

func setupHttpMux(
	gatherer prometheus.Gatherer,
	checker health.Checker,
	status *scheduler.StatusRegistry,
	tracker *lifecycle.Tracker,
	sched *scheduler.Scheduler,
) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/health", health.NewHealthCheckHttpHandler(checker))

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		views := []collectorStatusView{}
		for _, s := range status.List() {
			view := collectorStatusView{
				Name:                s.Name,
				Tier:                s.Tier.String(),
				Running:             s.Running,
				ConsecutiveFailures: s.ConsecutiveFailures,
			}
			if s.LastRun != nil {
				view.LastRunAt = s.LastRun.StartedAt.Format(time.RFC3339)
				view.LastDurationMs = s.LastRun.FinishedAt.Sub(s.LastRun.StartedAt).Milliseconds()
				view.LastOutcome = string(s.LastRun.Outcome)
				view.LastError = s.LastRun.Error
			}
			views = append(views, view)
		}
		writeJson(w, views)
	})

	mux.HandleFunc("/api/cardinality", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, tracker.Cardinality())
	})

	mux.HandleFunc("/api/collectors/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/collectors/"), "/run")
		err := sched.TriggerCollector(r.Context(), name)
		var alreadyRunning *scheduler.AlreadyRunningError
		var unknown *scheduler.UnknownCollectorError
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.As(err, &alreadyRunning):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, &unknown):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return mux
}

func writeJson(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}
