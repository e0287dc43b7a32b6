// Package cache decorates providers with an in-memory TTL+LRU cache.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Provider wraps a domain.Provider and serves repeated fetches for the same
// canonical location from memory until the entry expires.
type Provider struct {
	inner   domain.Provider
	ttl     time.Duration
	clock   clockwork.Clock
	cache   *lruCache
	metrics *observability.Metrics
}

// New creates a cache decorator. A nil clock uses real time.
func New(inner domain.Provider, maxEntries int, ttl time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *Provider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{
		inner:   inner,
		ttl:     ttl,
		clock:   clock,
		cache:   newLRUCache(maxEntries),
		metrics: metrics,
	}
}

func (p *Provider) Name() string { return p.inner.Name() }

func (p *Provider) Fetch(ctx context.Context, loc domain.Location) (domain.Observation, error) {
	key := loc.Key()
	now := p.clock.Now()
	if obs, ok := p.cache.get(key, now); ok {
		p.metrics.ProviderCache.WithLabelValues(p.Name(), "hit").Inc()
		return obs, nil
	}
	p.metrics.ProviderCache.WithLabelValues(p.Name(), "miss").Inc()

	obs, err := p.inner.Fetch(ctx, loc)
	if err != nil {
		// Failures are never cached so the next cycle retries upstream.
		return obs, err
	}
	p.cache.put(key, obs, p.clock.Now().Add(p.ttl))
	return obs, nil
}

// lruCache is a thread-safe LRU cache of observations with per-entry expiry.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key       string
	value     domain.Observation
	expiresAt time.Time
	prev      *entry
	next      *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: max(maxEntries, 1),
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string, now time.Time) (domain.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.Observation{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		c.remove(e)
		return domain.Observation{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value domain.Observation, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value, expiresAt: expiresAt}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
