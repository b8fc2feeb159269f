package collectors

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/cloudpulse-io/cloudpulse/internal/common/taskgroup"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/inventory"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/metrics"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/scheduler"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/upstream"
)

// Services are the shared dependencies every collector works through.
type Services struct {
	Inventory *inventory.Cache
	Invoker   upstream.Invoker
	Retry     *upstream.Policy
	Limits    *upstream.LimiterStore
	Registry  *metrics.Registry
}

// All assembles the static collector table. Registered once at startup,
// immutable afterwards.
func All(services *Services, orgConcurrency int) []*scheduler.Collector {
	return []*scheduler.Collector{
		NewDeviceStatusCollector(services, orgConcurrency),
		NewNetworkHealthCollector(services, orgConcurrency),
		NewOrgInventoryCollector(services, orgConcurrency),
	}
}

// Defs declares every metric the collectors publish. Series TTLs follow the
// owning collector's tier so the lifecycle sweep can age them out.
func Defs(tierConfigs map[scheduler.Tier]scheduler.TierConfig) []metrics.Def {
	fast := tierConfigs[scheduler.TierFast].SeriesTTL()
	medium := tierConfigs[scheduler.TierMedium].SeriesTTL()
	slow := tierConfigs[scheduler.TierSlow].SeriesTTL()

	return []metrics.Def{
		{Name: MetricDeviceUp, Help: "Whether the device currently reports online (1) or not (0).", Labels: []string{"org", "network", "serial", "name"}, TTL: fast},
		{Name: MetricNetworkHealthScore, Help: "Upstream health score of the network, 0-100.", Labels: []string{"org", "network"}, TTL: medium},
		{Name: MetricNetworkClientCount, Help: "Clients currently connected to the network.", Labels: []string{"org", "network"}, TTL: medium},
		{Name: MetricOrgNetworkCount, Help: "Networks in the organization.", Labels: []string{"org"}, TTL: slow},
		{Name: MetricOrgDeviceCount, Help: "Devices in the organization.", Labels: []string{"org"}, TTL: slow},
		{Name: MetricOrgLicensedDevices, Help: "Licensed device counts by license state.", Labels: []string{"org", "state"}, TTL: slow},
	}
}

// forEachOrganization fans out over all organizations with the collector's
// own concurrency bound. One organization failing never aborts its siblings;
// their failures come back aggregated as a PartialFailure.
func forEachOrganization(services *Services, concurrency int, fn func(ctx context.Context, org inventory.Entry) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		orgs, _, err := services.Inventory.Get(ctx, inventory.Organizations, "")
		if err != nil {
			return err
		}
		report := taskgroup.Run(ctx, concurrency, orgs, func(ctx context.Context, org inventory.Entry) (struct{}, error) {
			return struct{}{}, fn(ctx, org)
		})
		return partialFromReport(report)
	}
}

func partialFromReport(report taskgroup.Report[struct{}]) error {
	var merr *multierror.Error
	for _, outcome := range report.Outcomes {
		if outcome.Err != nil {
			merr = multierror.Append(merr, outcome.Err)
		}
	}
	err := merr.ErrorOrNil()
	if err == nil {
		return nil
	}
	// Partial only if some organizations still succeeded.
	if report.Completed > 0 {
		return &scheduler.PartialFailure{Err: err}
	}
	return err
}
