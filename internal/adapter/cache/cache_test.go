package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock for cache tests ---

type countingProvider struct {
	calls atomic.Int32
	obs   domain.Observation
	err   error
}

func (m *countingProvider) Name() string { return "counting" }

func (m *countingProvider) Fetch(_ context.Context, _ domain.Location) (domain.Observation, error) {
	m.calls.Add(1)
	return m.obs, m.err
}

var (
	jaipur = domain.Location{Lat: 26.9124, Lon: 75.7873}
	perth  = domain.Location{Lat: -31.9523, Lon: 115.8613}
)

func newTestCache(inner domain.Provider, size int, clock clockwork.Clock) (*Provider, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return New(inner, size, 30*time.Second, clock, m), m
}

// --- Provider tests ---

func TestProvider_CacheHit(t *testing.T) {
	inner := &countingProvider{obs: domain.Observation{Precipitation24hMM: domain.Some(12)}}
	cached, m := newTestCache(inner, 10, clockwork.NewFakeClock())

	o1, err := cached.Fetch(context.Background(), jaipur)
	require.NoError(t, err)
	o2, err := cached.Fetch(context.Background(), domain.Location{Lat: 26.91241, Lon: 75.78731})
	require.NoError(t, err)

	assert.Equal(t, o1, o2)
	assert.Equal(t, int32(1), inner.calls.Load(), "nearby coordinates share one entry")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCache.WithLabelValues("counting", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCache.WithLabelValues("counting", "miss")))
}

func TestProvider_EntryExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &countingProvider{}
	cached, _ := newTestCache(inner, 10, clock)

	_, _ = cached.Fetch(context.Background(), jaipur)
	clock.Advance(29 * time.Second)
	_, _ = cached.Fetch(context.Background(), jaipur)
	assert.Equal(t, int32(1), inner.calls.Load())

	clock.Advance(time.Second)
	_, _ = cached.Fetch(context.Background(), jaipur)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestProvider_ErrorsNotCached(t *testing.T) {
	inner := &countingProvider{err: errors.New("upstream down")}
	cached, _ := newTestCache(inner, 10, clockwork.NewFakeClock())

	_, err := cached.Fetch(context.Background(), jaipur)
	require.Error(t, err)
	_, err = cached.Fetch(context.Background(), jaipur)
	require.Error(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestProvider_DifferentLocationsMiss(t *testing.T) {
	inner := &countingProvider{}
	cached, _ := newTestCache(inner, 10, clockwork.NewFakeClock())

	_, _ = cached.Fetch(context.Background(), jaipur)
	_, _ = cached.Fetch(context.Background(), perth)

	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, "counting", cached.Name())
}

// --- LRU tests ---

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache(2)
	exp := time.Now().Add(time.Hour)
	now := time.Now()

	c.put("a", domain.Observation{SoilMoisturePct: domain.Some(1)}, exp)
	c.put("b", domain.Observation{SoilMoisturePct: domain.Some(2)}, exp)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.get("a", now)
	require.True(t, ok)

	c.put("c", domain.Observation{SoilMoisturePct: domain.Some(3)}, exp)

	_, ok = c.get("b", now)
	assert.False(t, ok, "b should be evicted")
	_, ok = c.get("a", now)
	assert.True(t, ok)
	_, ok = c.get("c", now)
	assert.True(t, ok)
	assert.Equal(t, 2, c.size())
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	c := newLRUCache(2)
	exp := time.Now().Add(time.Hour)

	c.put("a", domain.Observation{SoilMoisturePct: domain.Some(1)}, exp)
	c.put("a", domain.Observation{SoilMoisturePct: domain.Some(9)}, exp)

	v, ok := c.get("a", time.Now())
	require.True(t, ok)
	assert.Equal(t, domain.Some(9), v.SoilMoisturePct)
	assert.Equal(t, 1, c.size())
}

func TestLRUCache_ExpiredEntryRemoved(t *testing.T) {
	c := newLRUCache(2)
	now := time.Now()

	c.put("a", domain.Observation{}, now)

	_, ok := c.get("a", now)
	assert.False(t, ok)
	assert.Equal(t, 0, c.size())
}
