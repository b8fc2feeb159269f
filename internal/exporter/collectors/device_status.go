package collectors

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/cloudpulse-io/cloudpulse/internal/exporter/inventory"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/scheduler"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/upstream"
)

const MetricDeviceUp = "cloudpulse_device_up"

// NewDeviceStatusCollector reports per-device reachability. Fast tier:
// device state is the most volatile data the upstream exposes.
func NewDeviceStatusCollector(services *Services, orgConcurrency int) *scheduler.Collector {
	return &scheduler.Collector{
		Name: "device_status",
		Tier: scheduler.TierFast,
		Collect: forEachOrganization(services, orgConcurrency, func(ctx context.Context, org inventory.Entry) error {
			return collectOrgDeviceStatuses(ctx, services, org)
		}),
	}
}

type deviceStatusRow struct {
	Serial    string `json:"serial"`
	Name      string `json:"name"`
	NetworkID string `json:"networkId"`
	Status    string `json:"status"`
}

func collectOrgDeviceStatuses(ctx context.Context, services *Services, org inventory.Entry) error {
	target := services.Limits.Get(org.ID)
	var payload *upstream.Payload
	err := services.Retry.Do(ctx, target, func(ctx context.Context) error {
		var err error
		payload, err = services.Invoker.Invoke(ctx, upstream.EndpointDeviceStatuses, upstream.Params{"organizationId": org.ID})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "device statuses for organization %s", org.ID)
	}

	var merr *multierror.Error
	for _, item := range payload.Items {
		var row deviceStatusRow
		if err := json.Unmarshal(item, &row); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "decoding device status in organization %s", org.ID))
			continue
		}
		up := 0.0
		if strings.EqualFold(row.Status, "online") {
			up = 1.0
		}
		labels := map[string]string{
			"org":     org.ID,
			"network": row.NetworkID,
			"serial":  row.Serial,
			"name":    row.Name,
		}
		if err := services.Registry.Write(MetricDeviceUp, labels, up); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
