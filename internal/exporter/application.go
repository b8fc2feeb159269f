package exporter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cloudpulse-io/cloudpulse/internal/common/health"
	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/collectors"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/configuration"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/inventory"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/lifecycle"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/metrics"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/scheduler"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/upstream"
)

// Run wires the exporter together and drives it until ctx is cancelled.
func Run(ctx context.Context, config configuration.ExporterConfiguration) error {
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	clock := &util.DefaultClock{}

	capabilities := upstream.DefaultCapabilities()
	disabled := map[string]bool{}
	for _, endpoint := range config.Upstream.DisabledEndpoints {
		disabled[endpoint] = true
	}
	for i := range capabilities {
		if disabled[capabilities[i].Endpoint] {
			capabilities[i].Supported = false
		}
	}

	client := upstream.NewClient(
		config.Upstream.BaseUrl,
		config.Upstream.ApiKey,
		config.Upstream.PageSize,
		config.Upstream.RequestTimeout,
		capabilities,
	)
	if err := upstream.ResolveCapabilities(ctx, client); err != nil {
		return err
	}

	limits := upstream.NewLimiterStore(config.Upstream.PerTargetRequestsPerSecond, config.Upstream.PerTargetBurst, clock)
	retryPolicy := upstream.NewPolicy(
		config.Retry.MaxAttempts,
		config.Retry.BaseDelay,
		config.Retry.MaxDelay,
		config.Retry.Budget,
	)

	inventoryCache := inventory.NewCache(
		inventoryFetcher(client, retryPolicy, limits),
		map[inventory.ResourceType]time.Duration{
			inventory.Organizations: config.Inventory.OrganizationTtl,
			inventory.Networks:      config.Inventory.NetworkTtl,
			inventory.Devices:       config.Inventory.DeviceTtl,
		},
		clock,
	)

	tierConfigs := map[scheduler.Tier]scheduler.TierConfig{
		scheduler.TierFast:   {Interval: config.Tiers.Fast.Interval, TTLMultiplier: config.Tiers.Fast.TtlMultiplier},
		scheduler.TierMedium: {Interval: config.Tiers.Medium.Interval, TTLMultiplier: config.Tiers.Medium.TtlMultiplier},
		scheduler.TierSlow:   {Interval: config.Tiers.Slow.Interval, TTLMultiplier: config.Tiers.Slow.TtlMultiplier},
	}

	tracker := lifecycle.NewTracker(clock)
	registry, err := metrics.NewRegistry(prometheus.DefaultRegisterer, collectors.Defs(tierConfigs), tracker)
	if err != nil {
		return err
	}

	services := &collectors.Services{
		Inventory: inventoryCache,
		Invoker:   client,
		Retry:     retryPolicy,
		Limits:    limits,
		Registry:  registry,
	}
	collectorSet := collectors.All(services, config.Application.OrganizationConcurrency)
	statusRegistry := scheduler.NewStatusRegistry(collectorSet)
	sched, err := scheduler.New(collectorSet, tierConfigs, config.Application.TierConcurrency, statusRegistry, clock)
	if err != nil {
		return err
	}

	startupChecker := health.NewStartupCompleteChecker()
	healthChecker := health.NewMultiChecker(startupChecker)

	mux := setupHttpMux(prometheus.DefaultGatherer, healthChecker, statusRegistry, tracker, sched)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Application.HttpPort),
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		tracker.Run(ctx, sweepInterval(tierConfigs), registry)
		return nil
	})

	startupChecker.MarkComplete()
	log.Info("exporter started")
	return g.Wait()
}

// sweepInterval is the shortest configured tier interval.
func sweepInterval(tierConfigs map[scheduler.Tier]scheduler.TierConfig) time.Duration {
	shortest := time.Duration(0)
	for _, config := range tierConfigs {
		if shortest == 0 || config.Interval < shortest {
			shortest = config.Interval
		}
	}
	if shortest <= 0 {
		shortest = time.Minute
	}
	return shortest
}

// inventoryFetcher adapts the upstream client into the cache's fetch
// boundary, routing every call through per-target retry and smoothing.
func inventoryFetcher(client upstream.Invoker, policy *upstream.Policy, limits *upstream.LimiterStore) inventory.FetchFunc {
	endpoints := map[inventory.ResourceType]string{
		inventory.Organizations: upstream.EndpointOrganizations,
		inventory.Networks:      upstream.EndpointNetworks,
		inventory.Devices:       upstream.EndpointDevices,
	}
	return func(ctx context.Context, resource inventory.ResourceType, scope string) ([]inventory.Entry, error) {
		endpoint, ok := endpoints[resource]
		if !ok {
			return nil, errors.Errorf("no upstream endpoint for resource %q", resource)
		}
		params := upstream.Params{}
		target := "global"
		if scope != "" {
			params["organizationId"] = scope
			target = scope
		}
		var payload *upstream.Payload
		err := policy.Do(ctx, limits.Get(target), func(ctx context.Context) error {
			var err error
			payload, err = client.Invoke(ctx, endpoint, params)
			return err
		})
		if err != nil {
			return nil, err
		}
		return inventory.DecodeEntries(payload.Items)
	}
}
