package authcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"datayoti/go-ingestor/internal/model"
)

type fakeRegistry struct {
	mu      sync.Mutex
	devices []model.Device
	err     error
	calls   atomic.Int32
}

func (f *fakeRegistry) Devices(context.Context) ([]model.Device, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeRegistry) set(devices []model.Device, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(reg *fakeRegistry, clock *fakeClock) *Cache {
	return New(reg, 300*time.Second, zap.NewNop(), WithClock(clock.Now))
}

func TestAuthorizeLoadsRegistryOnFirstUse(t *testing.T) {
	reg := &fakeRegistry{devices: []model.Device{{MACAddr: "1C:69:20:E9:18:24", SiteRef: "SITE_001"}}}
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	cache := newTestCache(reg, clock)

	site, ok := cache.Authorize(context.Background(), "1C:69:20:E9:18:24")
	assert.True(t, ok)
	assert.Equal(t, "SITE_001", site)
	assert.EqualValues(t, 1, reg.calls.Load())
	assert.Equal(t, 1, cache.Size())
	assert.Equal(t, clock.Now(), cache.LastRefresh())
}

func TestAuthorizeUnknownDeviceLogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := &fakeRegistry{}
	clock := &fakeClock{now: time.Now()}
	cache := New(reg, time.Minute, zap.New(core), WithClock(clock.Now))

	site, ok := cache.Authorize(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.False(t, ok)
	assert.Empty(t, site)
	require.Equal(t, 1, logs.FilterMessage("device not in registry").Len())
}

func TestAuthorizeWithinTTLDoesNotReload(t *testing.T) {
	reg := &fakeRegistry{devices: []model.Device{{MACAddr: "A", SiteRef: "S"}}}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(reg, clock)
	ctx := context.Background()

	cache.Authorize(ctx, "A")
	clock.Advance(299 * time.Second)
	cache.Authorize(ctx, "A")
	clock.Advance(time.Second)
	cache.Authorize(ctx, "A")

	assert.EqualValues(t, 1, reg.calls.Load())
}

func TestNewDeviceAuthorizedWithinOneTTL(t *testing.T) {
	reg := &fakeRegistry{devices: []model.Device{{MACAddr: "A", SiteRef: "S1"}}}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(reg, clock)
	ctx := context.Background()

	_, ok := cache.Authorize(ctx, "B")
	require.False(t, ok)

	reg.set([]model.Device{{MACAddr: "A", SiteRef: "S1"}, {MACAddr: "B", SiteRef: "S2"}}, nil)

	clock.Advance(150 * time.Second)
	_, ok = cache.Authorize(ctx, "B")
	assert.False(t, ok, "snapshot is still fresh")

	clock.Advance(151 * time.Second)
	site, ok := cache.Authorize(ctx, "B")
	assert.True(t, ok)
	assert.Equal(t, "S2", site)
}

func TestRefreshReplacesSnapshotWholesale(t *testing.T) {
	reg := &fakeRegistry{devices: []model.Device{{MACAddr: "A", SiteRef: "S1"}}}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(reg, clock)
	ctx := context.Background()

	cache.Refresh(ctx)
	reg.set([]model.Device{{MACAddr: "B", SiteRef: "S2"}}, nil)
	cache.Refresh(ctx)

	_, ok := cache.Authorize(ctx, "A")
	assert.False(t, ok, "removed devices must not survive a refresh")
	_, ok = cache.Authorize(ctx, "B")
	assert.True(t, ok)
}

func TestRefreshFailureFailsClosed(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	reg := &fakeRegistry{devices: []model.Device{{MACAddr: "A", SiteRef: "S1"}}}
	clock := &fakeClock{now: time.Now()}
	cache := New(reg, 300*time.Second, zap.New(core), WithClock(clock.Now))
	ctx := context.Background()

	_, ok := cache.Authorize(ctx, "A")
	require.True(t, ok)

	reg.set(nil, errors.New("connection reset"))
	clock.Advance(301 * time.Second)

	_, ok = cache.Authorize(ctx, "A")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Size())
	assert.Equal(t, 1, logs.FilterMessage("device registry refresh failed, cache cleared").Len())

	// The failed refresh still counts as a refresh: no retry until the TTL passes again.
	calls := reg.calls.Load()
	cache.Authorize(ctx, "A")
	assert.Equal(t, calls, reg.calls.Load())

	reg.set([]model.Device{{MACAddr: "A", SiteRef: "S1"}}, nil)
	clock.Advance(301 * time.Second)
	_, ok = cache.Authorize(ctx, "A")
	assert.True(t, ok)
}

func TestConcurrentAuthorize(t *testing.T) {
	reg := &fakeRegistry{devices: []model.Device{{MACAddr: "A", SiteRef: "S1"}}}
	clock := &fakeClock{now: time.Now()}
	cache := newTestCache(reg, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			site, ok := cache.Authorize(ctx, "A")
			assert.True(t, ok)
			assert.Equal(t, "S1", site)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, reg.calls.Load(), int32(32))
	assert.Equal(t, 1, cache.Size())
}
