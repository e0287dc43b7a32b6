// Package personnel classifies tracked workers into risk tiers.
//
// A worker's risk score combines the site's environmental risk, scaled by
// how close the worker stands to a hazard zone, with vitals penalties:
//
//	proximity   p = max over zones of clamp(1 - distance/radius, 0, 1)
//	score       = 70 * (siteScore/100) * p
//	            + 20 if heart rate >= 120 or <= 45
//	            + 20 if SpO2 < 92
//	SOS         forces the score to 100
//
// The score is clamped to [0, 100] and mapped to a tier with the worker bands
// (>= 70 EMERGENCY, >= 40 CAUTION). While the site level is HIGH, a worker
// inside any zone is at least CAUTION, and one in the inner half of a zone
// (p >= 0.5) is EMERGENCY.
package personnel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/couchcryptid/rockguard-telemetry/internal/ring"
	"github.com/jonboulle/clockwork"
)

const (
	environmentWeight = 70.0
	vitalsPenalty     = 20.0

	heartRateHigh = 120.0
	heartRateLow  = 45.0
	spo2Low       = 92.0

	innerZone = 0.5
)

// PositionUpdate is one position and vitals reading for a worker.
type PositionUpdate struct {
	WorkerID  string          `json:"worker_id"`
	Position  domain.Position `json:"position"`
	HeartRate domain.Measure  `json:"heart_rate"`
	SpO2      domain.Measure  `json:"spo2"`
	SOS       bool            `json:"sos"`
	At        time.Time       `json:"at,omitzero"`
}

// Validate rejects updates without an id or with a position off the map.
func (u PositionUpdate) Validate() error {
	if u.WorkerID == "" {
		return fmt.Errorf("%w: missing worker id", domain.ErrInvalidWorker)
	}
	for _, v := range []float64{u.Position.X, u.Position.Y} {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return fmt.Errorf("%w: position (%g, %g) outside the 0-100 map", domain.ErrInvalidWorker, u.Position.X, u.Position.Y)
		}
	}
	return nil
}

// WorkerObserver is notified of every reclassified worker, in order per worker.
type WorkerObserver interface {
	ObserveWorker(w domain.Worker)
}

// Options configures the classifier.
type Options struct {
	Site       domain.Location // only assessments for this location drive the environmental term
	Zones      []domain.HazardZone
	StaleAfter time.Duration
	TrendSize  int
	Clock      clockwork.Clock
}

// Filter narrows List. A zero Tier matches every tier; Limit <= 0 means no limit.
type Filter struct {
	Tier  domain.Tier
	Limit int
}

// Totals counts workers per tier. Stale workers keep their last tier and are
// also counted in Stale.
type Totals struct {
	Safe      int `json:"safe"`
	Caution   int `json:"caution"`
	Emergency int `json:"emergency"`
	Stale     int `json:"stale"`
	Total     int `json:"total"`
}

// TrendPoint is one sample of the tier counts.
type TrendPoint struct {
	At        time.Time `json:"at"`
	Safe      int       `json:"safe"`
	Caution   int       `json:"caution"`
	Emergency int       `json:"emergency"`
}

type siteRisk struct {
	score float64
	level domain.Level
}

type entry struct {
	mu     sync.Mutex
	last   PositionUpdate
	worker domain.Worker
}

// Classifier owns the worker table. Each worker has its own lock, so updates
// for different workers never contend.
type Classifier struct {
	opts    Options
	siteKey string
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	workers sync.Map // worker id -> *entry
	site    atomic.Pointer[siteRisk]

	trendMu sync.Mutex
	trend   *ring.Buffer[TrendPoint]

	obsMu     sync.RWMutex
	observers []WorkerObserver
}

// New creates an empty Classifier.
func New(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Classifier {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	c := &Classifier{
		opts:    opts,
		siteKey: opts.Site.Canonical().Key(),
		clock:   opts.Clock,
		logger:  logger.With("component", "personnel"),
		metrics: metrics,
		trend:   ring.New[TrendPoint](opts.TrendSize),
	}
	c.site.Store(&siteRisk{level: domain.LevelLow})
	return c
}

// Observe registers o for every future reclassification.
func (c *Classifier) Observe(o WorkerObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Update applies one reading and returns the reclassified worker.
func (c *Classifier) Update(u PositionUpdate) (domain.Worker, error) {
	if err := u.Validate(); err != nil {
		return domain.Worker{}, err
	}
	if u.At.IsZero() {
		u.At = c.clock.Now()
	}

	v, _ := c.workers.LoadOrStore(u.WorkerID, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.worker.LastSeen.IsZero() && u.At.Before(e.worker.LastSeen) {
		return c.withStaleness(e.worker), nil // out-of-order reading
	}
	e.last = u
	e.worker = c.classify(u, c.site.Load())
	c.metrics.WorkerUpdates.Inc()
	c.notify(e.worker)
	return e.worker, nil
}

// ObserveAssessment takes the site's assessment as the environmental input and
// reclassifies every worker against it. Other locations are ignored, and a
// degraded assessment keeps the last good site risk in place.
func (c *Classifier) ObserveAssessment(_ domain.TelemetrySnapshot, a domain.RiskAssessment) {
	if a.Degraded || a.Location.Canonical().Key() != c.siteKey {
		return
	}
	prev := c.site.Swap(&siteRisk{score: a.Score, level: a.Level})
	if prev.score == a.Score && prev.level == a.Level {
		return
	}
	if prev.level != a.Level {
		c.logger.Info("site level changed", "from", prev.level, "to", a.Level, "score", a.Score)
	}
	site := c.site.Load()
	c.workers.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		defer e.mu.Unlock()
		w := c.classify(e.last, site)
		if w.Tier != e.worker.Tier || w.RiskScore != e.worker.RiskScore {
			e.worker = w
			c.notify(w)
		}
		return true
	})
}

func (c *Classifier) classify(u PositionUpdate, site *siteRisk) domain.Worker {
	p, zone := c.proximity(u.Position)

	score := environmentWeight * (site.score / 100) * p
	if hr, ok := u.HeartRate.Get(); ok && (hr >= heartRateHigh || hr <= heartRateLow) {
		score += vitalsPenalty
	}
	if s, ok := u.SpO2.Get(); ok && s < spo2Low {
		score += vitalsPenalty
	}
	if u.SOS {
		score = 100
	}
	score = math.Min(100, math.Max(0, score))

	tier := domain.TierFor(score)
	if site.level == domain.LevelHigh {
		switch {
		case p >= innerZone:
			tier = domain.TierEmergency
		case p > 0 && tier == domain.TierSafe:
			tier = domain.TierCaution
		}
	}

	return domain.Worker{
		ID:        u.WorkerID,
		Position:  u.Position,
		Zone:      zone,
		Tier:      tier,
		RiskScore: score,
		HeartRate: u.HeartRate,
		SpO2:      u.SpO2,
		SOS:       u.SOS,
		LastSeen:  u.At,
	}
}

// proximity returns the highest zone proximity and the name of the nearest zone.
func (c *Classifier) proximity(pos domain.Position) (float64, string) {
	var (
		best    float64
		nearest string
		minDist = math.Inf(1)
	)
	for _, z := range c.opts.Zones {
		best = math.Max(best, z.Proximity(pos))
		if d := z.Distance(pos); d < minDist {
			minDist, nearest = d, z.Name
		}
	}
	return best, nearest
}

func (c *Classifier) notify(w domain.Worker) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.ObserveWorker(w)
	}
}

func (c *Classifier) withStaleness(w domain.Worker) domain.Worker {
	w.Stale = c.opts.StaleAfter > 0 && c.clock.Since(w.LastSeen) > c.opts.StaleAfter
	return w
}

// Get returns one worker.
func (c *Classifier) Get(id string) (domain.Worker, error) {
	v, ok := c.workers.Load(id)
	if !ok {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.withStaleness(e.worker), nil
}

// List returns workers ordered by tier severity, descending risk score, then id.
func (c *Classifier) List(f Filter) []domain.Worker {
	workers := c.snapshot()
	out := workers[:0]
	for _, w := range workers {
		if f.Tier == "" || w.Tier == f.Tier {
			out = append(out, w)
		}
	}
	domain.SortWorkers(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Totals counts the current workers per tier.
func (c *Classifier) Totals() Totals {
	return countTiers(c.snapshot())
}

func countTiers(workers []domain.Worker) Totals {
	var t Totals
	for _, w := range workers {
		switch w.Tier {
		case domain.TierEmergency:
			t.Emergency++
		case domain.TierCaution:
			t.Caution++
		default:
			t.Safe++
		}
		if w.Stale {
			t.Stale++
		}
	}
	t.Total = len(workers)
	return t
}

func (c *Classifier) snapshot() []domain.Worker {
	var workers []domain.Worker
	c.workers.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		workers = append(workers, c.withStaleness(e.worker))
		e.mu.Unlock()
		return true
	})
	return workers
}

// RecordTrend samples the tier counts into the trend ring and refreshes the
// per-tier gauge.
func (c *Classifier) RecordTrend() TrendPoint {
	t := c.Totals()
	p := TrendPoint{At: c.clock.Now().UTC(), Safe: t.Safe, Caution: t.Caution, Emergency: t.Emergency}

	c.trendMu.Lock()
	c.trend.Push(p)
	c.trendMu.Unlock()

	c.metrics.WorkersTracked.WithLabelValues(string(domain.TierSafe)).Set(float64(t.Safe))
	c.metrics.WorkersTracked.WithLabelValues(string(domain.TierCaution)).Set(float64(t.Caution))
	c.metrics.WorkersTracked.WithLabelValues(string(domain.TierEmergency)).Set(float64(t.Emergency))
	return p
}

// Trend returns the recorded samples, oldest first.
func (c *Classifier) Trend() []TrendPoint {
	c.trendMu.Lock()
	defer c.trendMu.Unlock()
	return c.trend.Items()
}

// Run records a trend sample every interval until ctx is done.
func (c *Classifier) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	c.RecordTrend()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p := c.RecordTrend()
			c.logger.Debug("trend recorded", "safe", p.Safe, "caution", p.Caution, "emergency", p.Emergency)
		}
	}
}
