package hub

import (
	"context"
	"sync"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/ring"
	"github.com/couchcryptid/storm-data-shared/retry"
)

// feed is the per-location state: one writer (its refresh loop), many readers.
type feed struct {
	key    string
	loc    domain.Location
	cancel context.CancelFunc
	done   chan struct{}
	primed chan struct{} // closed once the first refresh cycle finished
	refs   int           // guarded by Hub.mu

	mu         sync.RWMutex
	current    *Update
	history    *ring.Buffer[Update]
	subs       map[uint64]*Subscription
	lastPushed domain.RiskAssessment
	pushedAt   time.Time
	hasPushed  bool
}

// startFeed must be called with h.mu held.
func (h *Hub) startFeed(loc domain.Location) *feed {
	ctx, cancel := context.WithCancel(h.ctx)
	f := &feed{
		key:     loc.Key(),
		loc:     loc,
		cancel:  cancel,
		done:    make(chan struct{}),
		primed:  make(chan struct{}),
		history: ring.New[Update](h.opts.HistorySize),
		subs:    make(map[uint64]*Subscription),
	}
	h.metrics.ActiveLocations.Inc()
	h.wg.Add(1)
	go h.run(ctx, f)
	h.logger.Debug("feed started", "location", f.key)
	return f
}

// run refreshes the feed immediately, then on every tick. A degraded cycle
// schedules early retries with exponential backoff capped at the interval.
func (h *Hub) run(ctx context.Context, f *feed) {
	defer h.wg.Done()
	defer close(f.done)

	ticker := h.clock.NewTicker(h.opts.Interval)
	defer ticker.Stop()

	backoff := h.opts.RetryBackoff
	degraded := h.refresh(ctx, f)
	close(f.primed)

	for {
		if degraded && backoff < h.opts.Interval {
			if !retry.SleepWithContext(ctx, backoff) {
				return
			}
			backoff = retry.NextBackoff(backoff, h.opts.Interval)
			// A tick that landed during the wait is covered by this refresh.
			select {
			case <-ticker.Chan():
			default:
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
		}

		degraded = h.refresh(ctx, f)
		if !degraded {
			backoff = h.opts.RetryBackoff
		}
	}
}

// refresh runs one aggregate-score-publish cycle and reports whether the
// location should be retried early. A result that arrives after the feed
// was cancelled is dropped.
func (h *Hub) refresh(ctx context.Context, f *feed) (degraded bool) {
	snap, err := h.fetcher.Fetch(ctx, f.loc)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		h.logger.Error("refresh failed", "location", f.key, "error", err)
		return true
	}

	a := h.policy.Score(snap)
	snap, a = h.publish(f, snap, a)
	if !snap.Degraded {
		h.ready.Store(true)
	}
	h.notify(snap, a)
	return snap.Degraded
}

// publish replaces the current entry, records history and pushes to every
// subscriber when the assessment changed or the TTL elapsed. The feed lock
// is held throughout so a concurrent subscribe sees either the old value
// followed by the push, or the new value only.
func (h *Hub) publish(f *feed, snap domain.TelemetrySnapshot, a domain.RiskAssessment) (domain.TelemetrySnapshot, domain.RiskAssessment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil && snap.CapturedAt.Before(f.current.Snapshot.CapturedAt) {
		snap = snap.WithCapturedAt(f.current.Snapshot.CapturedAt)
		a.CapturedAt = snap.CapturedAt
	}
	u := Update{Location: f.loc, Snapshot: snap, Assessment: a}
	f.current = &u
	f.history.Push(u)

	now := h.clock.Now()
	if f.hasPushed && a.Equal(f.lastPushed) && now.Sub(f.pushedAt) < h.opts.TTL {
		return snap, a
	}
	f.lastPushed, f.pushedAt, f.hasPushed = a, now, true

	for _, sub := range f.subs {
		if sub.queue.Push(u) {
			h.metrics.SubscriberDropped.Inc()
			h.logger.Debug("subscriber overflow, dropped oldest update", "location", f.key, "subscription", sub.id)
		}
		h.metrics.Pushes.Inc()
	}
	return snap, a
}

func (f *feed) addSubscriber(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.id] = sub
	if f.current != nil {
		sub.queue.Push(*f.current)
	}
}

// removeSubscriber detaches sub and closes its queue. It reports false when
// sub was not attached.
func (f *feed) removeSubscriber(sub *Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.id]; !ok {
		return false
	}
	delete(f.subs, sub.id)
	sub.queue.Close()
	return true
}

// detachAll closes every subscription and returns how many there were.
func (f *feed) detachAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.subs)
	for id, sub := range f.subs {
		sub.queue.Close()
		delete(f.subs, id)
	}
	return n
}

func (f *feed) currentUpdate() (Update, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current == nil {
		return Update{}, false
	}
	return *f.current, true
}

func (f *feed) historyItems() []Update {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.history.Items()
}
