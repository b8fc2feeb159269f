package inventory

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cloudpulse-io/cloudpulse/internal/common/util"
)

type ResourceType string

const (
	Organizations ResourceType = "organizations"
	Networks      ResourceType = "networks"
	Devices       ResourceType = "devices"
)

// Entry is one cached inventory object: an organization, network or device.
type Entry struct {
	ID   string
	Name string
	Raw  json.RawMessage
}

// CacheMissError is returned when a fetch fails and no previous value exists
// to fall back on.
type CacheMissError struct {
	Key   string
	Cause error
}

func (e *CacheMissError) Error() string {
	return "no cached inventory for " + e.Key + ": " + e.Cause.Error()
}

func (e *CacheMissError) Unwrap() error { return e.Cause }

// FetchFunc retrieves one resource list from the upstream. scope is empty for
// the global organization list and an organization id otherwise.
type FetchFunc func(ctx context.Context, resource ResourceType, scope string) ([]Entry, error)

var staleServes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cloudpulse_inventory_stale_serves_total",
	Help: "Times the inventory cache served stale data because a refresh failed.",
}, []string{"resource"})

// Cache holds the slowly changing upstream topology with per-resource TTLs.
// Concurrent refreshes of the same key are coalesced into a single upstream
// call; on refresh failure a stale value is served with its true age rather
// than failing the caller.
type Cache struct {
	store *gocache.Cache
	ttls  map[ResourceType]time.Duration
	fetch FetchFunc
	group singleflight.Group
	clock util.Clock
}

type cachedValue struct {
	entries   []Entry
	fetchedAt time.Time
}

func NewCache(fetch FetchFunc, ttls map[ResourceType]time.Duration, clock util.Clock) *Cache {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	return &Cache{
		// Expiry is decided here from per-resource TTLs; the store only
		// provides the concurrent map, so entries never self-expire.
		store: gocache.New(gocache.NoExpiration, 0),
		ttls:  ttls,
		fetch: fetch,
		clock: clock,
	}
}

// Get returns the cached entries for (resource, scope) and their age. Fresh
// data is served without an upstream call; an expired or absent key triggers
// a single-flight refresh. A failed refresh falls back to whatever stale
// value exists.
func (c *Cache) Get(ctx context.Context, resource ResourceType, scope string) ([]Entry, time.Duration, error) {
	key := cacheKey(resource, scope)
	if value, ok := c.lookup(key); ok {
		age := c.clock.Now().Sub(value.fetchedAt)
		if age < c.ttl(resource) {
			return value.entries, age, nil
		}
	}

	result := c.group.DoChan(key, func() (interface{}, error) {
		entries, err := c.fetch(ctx, resource, scope)
		if err != nil {
			return nil, err
		}
		value := cachedValue{entries: entries, fetchedAt: c.clock.Now()}
		c.store.Set(key, value, gocache.NoExpiration)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case res := <-result:
		if res.Err == nil {
			value := res.Val.(cachedValue)
			return value.entries, c.clock.Now().Sub(value.fetchedAt), nil
		}
		if stale, ok := c.lookup(key); ok {
			age := c.clock.Now().Sub(stale.fetchedAt)
			log.WithError(res.Err).Warnf("inventory refresh for %s failed, serving %s old data", key, age)
			staleServes.WithLabelValues(string(resource)).Inc()
			return stale.entries, age, nil
		}
		return nil, 0, &CacheMissError{Key: key, Cause: res.Err}
	}
}

// Invalidate drops one key so the next Get refetches.
func (c *Cache) Invalidate(resource ResourceType, scope string) {
	c.store.Delete(cacheKey(resource, scope))
}

func (c *Cache) lookup(key string) (cachedValue, bool) {
	raw, ok := c.store.Get(key)
	if !ok {
		return cachedValue{}, false
	}
	return raw.(cachedValue), true
}

func (c *Cache) ttl(resource ResourceType) time.Duration {
	ttl, ok := c.ttls[resource]
	if !ok {
		return time.Minute
	}
	return ttl
}

func cacheKey(resource ResourceType, scope string) string {
	if scope == "" {
		return string(resource)
	}
	return string(resource) + "/" + scope
}

// DecodeEntries unmarshals raw upstream items into inventory entries, keeping
// the raw payload alongside the extracted identity fields.
func DecodeEntries(items []json.RawMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		var identity struct {
			ID     string `json:"id"`
			Serial string `json:"serial"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(item, &identity); err != nil {
			return nil, errors.Wrap(err, "decoding inventory entry")
		}
		id := identity.ID
		if id == "" {
			id = identity.Serial
		}
		entries = append(entries, Entry{ID: id, Name: identity.Name, Raw: item})
	}
	return entries, nil
}
