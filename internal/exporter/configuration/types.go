package configuration

import (
	"time"

	"github.com/pkg/errors"
)

type ApplicationConfiguration struct {
	HttpPort uint16
	// TierConcurrency bounds how many collectors of one tier run at once.
	TierConcurrency int
	// OrganizationConcurrency bounds each collector's per-organization fan-out.
	OrganizationConcurrency int
}

type UpstreamConfiguration struct {
	BaseUrl        string
	ApiKey         string
	PageSize       int
	RequestTimeout time.Duration
	// PerTargetRequestsPerSecond smooths collection across collectors
	// sharing one organization's rate-limit bucket.
	PerTargetRequestsPerSecond float64
	PerTargetBurst             int
	DisabledEndpoints          []string
}

type RetryConfiguration struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Budget caps cumulative backoff waiting for one logical call.
	Budget time.Duration
}

type InventoryConfiguration struct {
	OrganizationTtl time.Duration
	NetworkTtl      time.Duration
	DeviceTtl       time.Duration
}

type TierConfiguration struct {
	Interval      time.Duration
	TtlMultiplier float64
}

type TiersConfiguration struct {
	Fast   TierConfiguration
	Medium TierConfiguration
	Slow   TierConfiguration
}

type ExporterConfiguration struct {
	Application ApplicationConfiguration
	Upstream    UpstreamConfiguration
	Retry       RetryConfiguration
	Inventory   InventoryConfiguration
	Tiers       TiersConfiguration
}

func (c ExporterConfiguration) Validate() error {
	if c.Upstream.BaseUrl == "" {
		return errors.New("upstream.baseUrl must be set")
	}
	if c.Upstream.ApiKey == "" {
		return errors.New("upstream.apiKey must be set")
	}
	for name, tier := range map[string]TierConfiguration{"fast": c.Tiers.Fast, "medium": c.Tiers.Medium, "slow": c.Tiers.Slow} {
		if tier.Interval <= 0 {
			return errors.Errorf("tiers.%s.interval must be positive", name)
		}
	}
	return nil
}
