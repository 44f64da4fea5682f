// Package authcache keeps an in-memory snapshot of the device registry and
// answers whether a device may write telemetry.
package authcache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"datayoti/go-ingestor/internal/model"
)

// DefaultTTL bounds how stale the snapshot may get before a lookup reloads it.
const DefaultTTL = 300 * time.Second

// DeviceLister reads the full device registry.
type DeviceLister interface {
	Devices(ctx context.Context) ([]model.Device, error)
}

type snapshot struct {
	sites    map[string]string
	loadedAt time.Time
}

// Cache maps device MAC addresses to site references. Lookups are lock free;
// a refresh builds a new map and swaps it in whole.
type Cache struct {
	lister DeviceLister
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New constructs an empty cache. The first Authorize call loads the registry.
func New(lister DeviceLister, ttl time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		lister: lister,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize reports the site of deviceID and whether the device is known.
// The registry is reloaded first when the snapshot is older than the TTL.
func (c *Cache) Authorize(ctx context.Context, deviceID string) (string, bool) {
	snap := c.current.Load()
	if snap == nil || c.now().Sub(snap.loadedAt) > c.ttl {
		c.Refresh(ctx)
		snap = c.current.Load()
	}

	site, ok := snap.sites[deviceID]
	if !ok {
		c.logger.Warn("device not in registry", zap.String("device_id", deviceID))
		return "", false
	}
	return site, true
}

// Refresh reloads the whole registry. On failure the cache is emptied so that
// every device is refused until the next successful reload one TTL later.
// Concurrent callers share a single registry read.
func (c *Cache) Refresh(ctx context.Context) {
	_, _, _ = c.group.Do("refresh", func() (any, error) {
		c.refresh(ctx)
		return nil, nil
	})
}

func (c *Cache) refresh(ctx context.Context) {
	devices, err := c.lister.Devices(ctx)
	if err != nil {
		c.current.Store(&snapshot{sites: map[string]string{}, loadedAt: c.now()})
		c.logger.Error("device registry refresh failed, cache cleared", zap.Error(err))
		return
	}

	sites := make(map[string]string, len(devices))
	for _, d := range devices {
		sites[d.MACAddr] = d.SiteRef
	}
	c.current.Store(&snapshot{sites: sites, loadedAt: c.now()})
	c.logger.Info("device registry refreshed", zap.Int("devices", len(sites)))
}

// Size returns the number of devices in the current snapshot.
func (c *Cache) Size() int {
	snap := c.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.sites)
}

// LastRefresh returns when the current snapshot was loaded, or the zero time.
func (c *Cache) LastRefresh() time.Time {
	snap := c.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.loadedAt
}
