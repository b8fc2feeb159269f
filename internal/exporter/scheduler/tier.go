package scheduler

import "time"

// Tier is one of the three fixed collection cadences. Fast data (device
// status) refreshes often; slow data (licenses, inventory counts) rarely.
type Tier int

const (
	TierFast Tier = iota
	TierMedium
	TierSlow
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// AllTiers in cadence order.
func AllTiers() []Tier {
	return []Tier{TierFast, TierMedium, TierSlow}
}

// TierConfig is a tier's interval and the multiplier applied to it when the
// lifecycle sweep decides whether a series has gone stale.
type TierConfig struct {
	Interval      time.Duration
	TTLMultiplier float64
}

// SeriesTTL is how long a series written by this tier may go unrefreshed
// before the sweep removes it.
func (c TierConfig) SeriesTTL() time.Duration {
	multiplier := c.TTLMultiplier
	if multiplier <= 1 {
		multiplier = 3
	}
	return time.Duration(float64(c.Interval) * multiplier)
}
