package collectors

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/cloudpulse-io/cloudpulse/internal/exporter/inventory"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/scheduler"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/upstream"
)

const (
	MetricOrgNetworkCount    = "cloudpulse_org_network_count"
	MetricOrgDeviceCount     = "cloudpulse_org_device_count"
	MetricOrgLicensedDevices = "cloudpulse_org_licensed_devices"
)

// NewOrgInventoryCollector reports per-organization topology sizes and
// license state. Slow tier: this data changes on the timescale of hardware
// purchases.
func NewOrgInventoryCollector(services *Services, orgConcurrency int) *scheduler.Collector {
	return &scheduler.Collector{
		Name: "org_inventory",
		Tier: scheduler.TierSlow,
		Collect: forEachOrganization(services, orgConcurrency, func(ctx context.Context, org inventory.Entry) error {
			return collectOrgInventory(ctx, services, org)
		}),
	}
}

type licenseOverviewRow struct {
	LicensedDeviceCounts map[string]float64 `json:"licensedDeviceCounts"`
}

func collectOrgInventory(ctx context.Context, services *Services, org inventory.Entry) error {
	var merr *multierror.Error
	orgLabels := map[string]string{"org": org.ID}

	networks, _, err := services.Inventory.Get(ctx, inventory.Networks, org.ID)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrapf(err, "networks for organization %s", org.ID))
	} else if err := services.Registry.Write(MetricOrgNetworkCount, orgLabels, float64(len(networks))); err != nil {
		merr = multierror.Append(merr, err)
	}

	devices, _, err := services.Inventory.Get(ctx, inventory.Devices, org.ID)
	if err != nil {
		merr = multierror.Append(merr, errors.Wrapf(err, "devices for organization %s", org.ID))
	} else if err := services.Registry.Write(MetricOrgDeviceCount, orgLabels, float64(len(devices))); err != nil {
		merr = multierror.Append(merr, err)
	}

	target := services.Limits.Get(org.ID)
	var payload *upstream.Payload
	err = services.Retry.Do(ctx, target, func(ctx context.Context) error {
		var err error
		payload, err = services.Invoker.Invoke(ctx, upstream.EndpointLicenseOverview, upstream.Params{"organizationId": org.ID})
		return err
	})
	if err != nil {
		merr = multierror.Append(merr, errors.Wrapf(err, "license overview for organization %s", org.ID))
		return merr.ErrorOrNil()
	}

	for _, item := range payload.Items {
		var row licenseOverviewRow
		if err := json.Unmarshal(item, &row); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "decoding license overview for organization %s", org.ID))
			continue
		}
		for state, count := range row.LicensedDeviceCounts {
			labels := map[string]string{"org": org.ID, "state": state}
			if err := services.Registry.Write(MetricOrgLicensedDevices, labels, count); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}
