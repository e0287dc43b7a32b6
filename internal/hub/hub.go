// Package hub distributes risk assessments for subscribed locations.
//
// Each subscribed location has one feed: a refresh loop that aggregates and
// scores the location on a fixed interval, a current-state entry and a short
// history ring. Subscribers of the same location share the feed, so
// concurrent subscriptions never duplicate provider calls. Push delivery and
// the pull path read the same current-state entry.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/fanout"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("hub closed")

// Fetcher aggregates one snapshot for a location.
type Fetcher interface {
	Fetch(ctx context.Context, loc domain.Location) (domain.TelemetrySnapshot, error)
}

// Observer receives every assessment produced by a refresh cycle, pushed or not.
// Implementations must not block for long; they run on the feed's loop.
type Observer interface {
	ObserveAssessment(snap domain.TelemetrySnapshot, a domain.RiskAssessment)
}

// Update is one scored snapshot as delivered to subscribers and pull callers.
type Update struct {
	Location   domain.Location          `json:"location"`
	Snapshot   domain.TelemetrySnapshot `json:"snapshot"`
	Assessment domain.RiskAssessment    `json:"assessment"`
}

// Options tunes refresh cadence and per-subscriber buffering.
type Options struct {
	Interval     time.Duration // regular refresh period per location
	TTL          time.Duration // push an unchanged assessment once this much time passed since the last push
	QueueDepth   int           // per-subscriber queue bound
	HistorySize  int           // recent updates kept per location
	RetryBackoff time.Duration // first wall-clock retry delay after a degraded cycle; doubles up to Interval
	Clock        clockwork.Clock
}

// Hub owns the current-state table and the subscriber registry.
type Hub struct {
	fetcher Fetcher
	policy  domain.ScoringPolicy
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	// mu guards feed membership only. Per-location state lives behind each
	// feed's own lock so unrelated locations never contend.
	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool

	obsMu     sync.RWMutex
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
	nextID atomic.Uint64
	flight singleflight.Group
}

// New creates a Hub. Feeds start on first subscription.
func New(fetcher Fetcher, policy domain.ScoringPolicy, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		fetcher: fetcher,
		policy:  policy,
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger.With("component", "hub"),
		metrics: metrics,
		feeds:   make(map[string]*feed),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Observe registers o for every future assessment.
func (h *Hub) Observe(o Observer) {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.observers = append(h.observers, o)
}

// Subscribe registers interest in loc. A new location starts its refresh
// loop with an immediate cycle; an already tracked location replays its
// current value into the new subscription right away.
func (h *Hub) Subscribe(loc domain.Location) (*Subscription, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	loc = loc.Canonical()
	key := loc.Key()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	f, ok := h.feeds[key]
	if !ok {
		f = h.startFeed(loc)
		h.feeds[key] = f
	}
	f.refs++

	sub := &Subscription{
		id:    h.nextID.Add(1),
		loc:   loc,
		queue: fanout.New[Update](h.opts.QueueDepth),
		hub:   h,
		feed:  f,
	}
	f.addSubscriber(sub)
	h.metrics.Subscribers.Inc()
	h.logger.Debug("subscribed", "location", key, "subscription", sub.id, "subscribers", f.refs)
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := sub.feed
	if !f.removeSubscriber(sub) {
		return // already detached by Close
	}
	h.metrics.Subscribers.Dec()
	f.refs--
	if f.refs > 0 {
		return
	}
	if h.feeds[f.key] == f {
		delete(h.feeds, f.key)
	}
	f.cancel()
	h.metrics.ActiveLocations.Dec()
	h.logger.Debug("feed stopped", "location", f.key)
}

// Snapshot is the pull path. Tracked locations answer from the current-state
// table, so the result is never older than the last push; a pull that lands
// during a feed's first cycle waits for it instead of fetching again.
// Untracked locations, and tracked ones whose first cycle failed, are
// aggregated on demand; concurrent pulls for the same cold location share
// one fetch.
func (h *Hub) Snapshot(ctx context.Context, loc domain.Location) (Update, error) {
	if err := loc.Validate(); err != nil {
		return Update{}, err
	}
	loc = loc.Canonical()
	key := loc.Key()

	h.mu.Lock()
	f := h.feeds[key]
	h.mu.Unlock()
	if f != nil {
		select {
		case <-f.primed:
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
		if u, ok := f.currentUpdate(); ok {
			return u, nil
		}
	}

	ch := h.flight.DoChan(key, func() (any, error) {
		snap, err := h.fetcher.Fetch(context.WithoutCancel(ctx), loc)
		if err != nil {
			return Update{}, err
		}
		return Update{Location: loc, Snapshot: snap, Assessment: h.policy.Score(snap)}, nil
	})
	select {
	case <-ctx.Done():
		return Update{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Update{}, res.Err
		}
		return res.Val.(Update), nil
	}
}

// History returns the recent updates for a tracked location, oldest first.
func (h *Hub) History(loc domain.Location) ([]Update, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	f := h.feeds[loc.Key()]
	h.mu.Unlock()
	if f == nil {
		return []Update{}, nil
	}
	return f.historyItems(), nil
}

// Watch keeps loc refreshed until ctx is done, discarding the pushed values.
// It is used for locations that must feed observers without any client.
func (h *Hub) Watch(ctx context.Context, loc domain.Location) error {
	sub, err := h.Subscribe(loc)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Updates():
			if !ok {
				return nil
			}
		}
	}
}

// Locations returns the keys of every location with a running feed.
func (h *Hub) Locations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.feeds))
	for k := range h.feeds {
		keys = append(keys, k)
	}
	return keys
}

// CheckReadiness returns nil once any cycle has produced a non-degraded snapshot.
func (h *Hub) CheckReadiness(_ context.Context) error {
	if !h.ready.Load() {
		return errors.New("no telemetry aggregated yet")
	}
	return nil
}

// Close stops every feed, closes every subscription and waits for the
// refresh loops to exit. Subscribers see their channel closed after the
// values already queued.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for key, f := range h.feeds {
		n := f.detachAll()
		h.metrics.Subscribers.Sub(float64(n))
		f.cancel()
		h.metrics.ActiveLocations.Dec()
		delete(h.feeds, key)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.logger.Info("hub closed")
}

func (h *Hub) notify(snap domain.TelemetrySnapshot, a domain.RiskAssessment) {
	h.obsMu.RLock()
	observers := h.observers
	h.obsMu.RUnlock()
	for _, o := range observers {
		o.ObserveAssessment(snap, a)
	}
}

// Subscription is one subscriber's handle on a location feed.
type Subscription struct {
	id    uint64
	loc   domain.Location
	queue *fanout.Queue[Update]
	hub   *Hub
	feed  *feed
	once  sync.Once
}

// Updates delivers assessments in non-decreasing captured_at order. The
// channel is closed when the subscription or the hub is closed.
func (s *Subscription) Updates() <-chan Update { return s.queue.C() }

// Dropped counts updates evicted because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.queue.Dropped() }

func (s *Subscription) Location() domain.Location { return s.loc }

// Close unsubscribes. The last subscriber of a location stops its feed.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}
