package upstream

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Endpoint identifiers used by collectors and the inventory cache.
const (
	EndpointOrganizations   = "organizations"
	EndpointNetworks        = "networks"
	EndpointDevices         = "devices"
	EndpointDeviceStatuses  = "deviceStatuses"
	EndpointNetworkHealth   = "networkHealth"
	EndpointLicenseOverview = "licenseOverview"
)

// Capability describes one upstream endpoint: its path template, the
// parameters it requires and whether this deployment supports it. The set is
// resolved once at startup, never probed per call.
type Capability struct {
	Endpoint       string
	Path           string
	RequiredParams []string
	Supported      bool
}

func DefaultCapabilities() []Capability {
	return []Capability{
		{Endpoint: EndpointOrganizations, Path: "/organizations", Supported: true},
		{Endpoint: EndpointNetworks, Path: "/organizations/{organizationId}/networks", RequiredParams: []string{"organizationId"}, Supported: true},
		{Endpoint: EndpointDevices, Path: "/organizations/{organizationId}/devices", RequiredParams: []string{"organizationId"}, Supported: true},
		{Endpoint: EndpointDeviceStatuses, Path: "/organizations/{organizationId}/devices/statuses", RequiredParams: []string{"organizationId"}, Supported: true},
		{Endpoint: EndpointNetworkHealth, Path: "/organizations/{organizationId}/networks/health", RequiredParams: []string{"organizationId"}, Supported: true},
		{Endpoint: EndpointLicenseOverview, Path: "/organizations/{organizationId}/licenses/overview", RequiredParams: []string{"organizationId"}, Supported: true},
	}
}

// ResolveCapabilities confirms the upstream is reachable and authorised
// before the scheduler starts, retrying a few times to ride out a deploy-time
// blip. A fatal response (bad credentials) aborts immediately.
func ResolveCapabilities(ctx context.Context, client *Client) error {
	err := retrygo.Do(
		func() error {
			return client.Ping(ctx)
		},
		retrygo.Attempts(5),
		retrygo.Delay(2*time.Second),
		retrygo.RetryIf(func(err error) bool {
			var fatal *FatalError
			return !errors.As(err, &fatal)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("upstream not reachable yet, attempt %d", n+1)
		}),
	)
	if err != nil {
		return errors.Wrap(err, "resolving upstream capabilities")
	}
	log.Infof("resolved %d upstream endpoint capabilities", len(client.capabilities))
	return nil
}
