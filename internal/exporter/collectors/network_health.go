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
	MetricNetworkHealthScore = "cloudpulse_network_health_score"
	MetricNetworkClientCount = "cloudpulse_network_client_count"
)

// NewNetworkHealthCollector reports the upstream's per-network health score
// and connected client count.
func NewNetworkHealthCollector(services *Services, orgConcurrency int) *scheduler.Collector {
	return &scheduler.Collector{
		Name: "network_health",
		Tier: scheduler.TierMedium,
		Collect: forEachOrganization(services, orgConcurrency, func(ctx context.Context, org inventory.Entry) error {
			return collectOrgNetworkHealth(ctx, services, org)
		}),
	}
}

type networkHealthRow struct {
	NetworkID   string   `json:"networkId"`
	Score       *float64 `json:"score"`
	ClientCount *float64 `json:"clientCount"`
}

func collectOrgNetworkHealth(ctx context.Context, services *Services, org inventory.Entry) error {
	target := services.Limits.Get(org.ID)
	var payload *upstream.Payload
	err := services.Retry.Do(ctx, target, func(ctx context.Context) error {
		var err error
		payload, err = services.Invoker.Invoke(ctx, upstream.EndpointNetworkHealth, upstream.Params{"organizationId": org.ID})
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "network health for organization %s", org.ID)
	}

	var merr *multierror.Error
	for _, item := range payload.Items {
		var row networkHealthRow
		if err := json.Unmarshal(item, &row); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "decoding network health in organization %s", org.ID))
			continue
		}
		labels := map[string]string{"org": org.ID, "network": row.NetworkID}
		if row.Score != nil {
			if err := services.Registry.Write(MetricNetworkHealthScore, labels, *row.Score); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if row.ClientCount != nil {
			if err := services.Registry.Write(MetricNetworkClientCount, labels, *row.ClientCount); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}
