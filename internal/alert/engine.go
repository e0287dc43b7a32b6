// Package alert runs the per-condition alert state machine and owns the
// append-only alert log.
//
// A condition is a location's risk level ("location:<lat,lon>") or a
// worker's tier ("worker:<id>"). Its lifecycle is
//
//	NORMAL -> RAISED -> ACKNOWLEDGED -> RESOLVED
//	          RAISED ----------------> RESOLVED
//
// RAISED fires once when the metric crosses into HIGH (locations) or
// EMERGENCY (workers). A condition stays quiet until its metric has been
// observed non-elevated again, even after an operator resolved it. Every
// transition appends one record; past records are never rewritten.
package alert

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/fanout"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/couchcryptid/rockguard-telemetry/internal/ring"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultStreamDepth = 64
	persistTimeout     = 5 * time.Second
)

// Store persists the alert log. Appending a tombstone purges every earlier record.
type Store interface {
	Append(ctx context.Context, r domain.AlertRecord) error
	Recent(ctx context.Context, n int) ([]domain.AlertRecord, error)
}

// Sink receives every appended record, e.g. an outbound message stream.
type Sink interface {
	PublishAlert(ctx context.Context, r domain.AlertRecord) error
}

// Options configures the engine.
type Options struct {
	Capacity    int // records retained; older ones are evicted
	StreamDepth int // per-stream queue bound
	Clock       clockwork.Clock
	Store       Store // optional
	Sinks       []Sink
}

// Filter narrows List. Zero fields match everything; Limit <= 0 means no limit.
type Filter struct {
	Level  domain.Level
	Status domain.AlertStatus
	Source domain.AlertSource
	Limit  int
}

func (f Filter) match(r domain.AlertRecord) bool {
	return (f.Level == "" || r.Level == f.Level) &&
		(f.Status == "" || r.Status == f.Status) &&
		(f.Source == "" || r.Source == f.Source)
}

// Condition is the current state of one alertable condition.
type Condition struct {
	Key      string             `json:"key"`
	Subject  string             `json:"subject"`
	Source   domain.AlertSource `json:"source"`
	Status   domain.AlertStatus `json:"status"`
	Level    domain.Level       `json:"level"`
	Score    float64            `json:"score"`
	Since    time.Time          `json:"since"`
	elevated bool
}

// Engine owns the alert log and the condition table. A single lock guards the
// append path so the log order is globally consistent.
type Engine struct {
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	log        *ring.Buffer[domain.AlertRecord]
	seq        uint64
	conditions map[string]*Condition
	streams    map[uint64]*Stream
	nextStream uint64
	closed     bool
}

// New creates an engine with an empty log. Call Restore to load a persisted log.
func New(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.StreamDepth <= 0 {
		opts.StreamDepth = defaultStreamDepth
	}
	return &Engine{
		opts:       opts,
		clock:      opts.Clock,
		logger:     logger.With("component", "alert"),
		metrics:    metrics,
		log:        ring.New[domain.AlertRecord](opts.Capacity),
		conditions: make(map[string]*Condition),
		streams:    make(map[uint64]*Stream),
	}
}

// Restore loads the most recent persisted records into the log. Condition
// state is not persisted and starts over as NORMAL.
func (e *Engine) Restore(ctx context.Context) error {
	if e.opts.Store == nil {
		return nil
	}
	records, err := e.opts.Store.Recent(ctx, e.log.Cap())
	if err != nil {
		return fmt.Errorf("restore alert log: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.log.Reset()
	for _, r := range records {
		e.log.Push(r)
		e.seq = max(e.seq, r.Seq)
	}
	e.metrics.AlertLogSize.Set(float64(e.log.Len()))
	e.logger.Info("alert log restored", "records", len(records), "seq", e.seq)
	return nil
}

// ObserveAssessment feeds a location's risk level into its condition.
// Degraded assessments carry no readings and are ignored.
func (e *Engine) ObserveAssessment(_ domain.TelemetrySnapshot, a domain.RiskAssessment) {
	if a.Degraded {
		return
	}
	key := a.Location.Key()
	e.observe(domain.LocationCondition(a.Location), key, domain.SourceRiskThreshold,
		a.Level.Elevated(), a.Level, a.Score,
		fmt.Sprintf("environmental risk %s at %s (score %.1f)", a.Level, key, a.Score))
}

// ObserveWorker feeds a worker's tier into its condition.
func (e *Engine) ObserveWorker(w domain.Worker) {
	msg := fmt.Sprintf("worker %s %s (score %.1f)", w.ID, w.Tier, w.RiskScore)
	if w.Zone != "" {
		msg = fmt.Sprintf("worker %s %s in zone %s (score %.1f)", w.ID, w.Tier, w.Zone, w.RiskScore)
	}
	if w.SOS {
		msg += ", SOS"
	}
	e.observe(domain.WorkerCondition(w.ID), w.ID, domain.SourceWorkerEmergency,
		w.Tier == domain.TierEmergency, levelForTier(w.Tier), w.RiskScore, msg)
}

func levelForTier(t domain.Tier) domain.Level {
	switch t {
	case domain.TierEmergency:
		return domain.LevelHigh
	case domain.TierCaution:
		return domain.LevelMedium
	}
	return domain.LevelLow
}

func (e *Engine) observe(key, subject string, source domain.AlertSource, elevated bool, level domain.Level, score float64, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conditions[key]
	if !ok {
		c = &Condition{Key: key, Subject: subject, Source: source, Status: domain.StatusNormal}
		e.conditions[key] = c
	}
	wasElevated := c.elevated
	c.elevated = elevated
	c.Level, c.Score = level, score

	switch {
	case elevated && !wasElevated && !active(c.Status):
		e.transition(c, domain.StatusRaised, msg)
	case !elevated && active(c.Status):
		e.transition(c, domain.StatusResolved, msg+", cleared")
	}
}

func active(s domain.AlertStatus) bool {
	return s == domain.StatusRaised || s == domain.StatusAcknowledged
}

// Acknowledge moves a RAISED condition to ACKNOWLEDGED.
func (e *Engine) Acknowledge(key string) (domain.AlertRecord, error) {
	return e.operate(key, domain.StatusAcknowledged, func(s domain.AlertStatus) bool {
		return s == domain.StatusRaised
	})
}

// Resolve moves a RAISED or ACKNOWLEDGED condition to RESOLVED.
func (e *Engine) Resolve(key string) (domain.AlertRecord, error) {
	return e.operate(key, domain.StatusResolved, active)
}

func (e *Engine) operate(key string, to domain.AlertStatus, allowed func(domain.AlertStatus) bool) (domain.AlertRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.conditions[key]
	if !ok {
		return domain.AlertRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownCondition, key)
	}
	if !allowed(c.Status) {
		return domain.AlertRecord{}, fmt.Errorf("%w: %s is %s, cannot move to %s", domain.ErrInvalidTransition, key, c.Status, to)
	}
	return e.transition(c, to, fmt.Sprintf("%s %s by operator", key, to)), nil
}

// transition must be called with e.mu held.
func (e *Engine) transition(c *Condition, to domain.AlertStatus, msg string) domain.AlertRecord {
	from := c.Status
	c.Status, c.Since = to, e.clock.Now().UTC()
	r := e.append(domain.AlertRecord{
		Level:     c.Level,
		Source:    c.Source,
		Condition: c.Key,
		Subject:   c.Subject,
		Status:    to,
		Message:   msg,
		Score:     c.Score,
	})
	e.logger.Info("alert transition", "condition", c.Key, "from", from, "to", to, "level", c.Level, "seq", r.Seq)
	return r
}

// Test appends a synthetic RAISED record without touching any condition.
func (e *Engine) Test(level domain.Level) domain.AlertRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.append(domain.AlertRecord{
		Level:   level,
		Source:  domain.SourceManualTest,
		Subject: "test",
		Status:  domain.StatusRaised,
		Message: fmt.Sprintf("synthetic %s alert", level),
	})
}

// Clear truncates the log. The only record left is the tombstone that marks
// the truncation. Condition state is kept.
func (e *Engine) Clear() domain.AlertRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.log.Len()
	e.log.Reset()
	r := e.append(domain.AlertRecord{
		Level:   domain.LevelLow,
		Source:  domain.SourceAlertLog,
		Subject: "alert-log",
		Status:  domain.StatusTruncated,
		Message: fmt.Sprintf("alert log cleared, %d records truncated", n),
	})
	e.logger.Info("alert log cleared", "truncated", n, "seq", r.Seq)
	return r
}

// append stamps, stores and fans out r. It must be called with e.mu held.
func (e *Engine) append(r domain.AlertRecord) domain.AlertRecord {
	e.seq++
	r.ID = uuid.NewString()
	r.Seq = e.seq
	r.CreatedAt = e.clock.Now().UTC()

	if _, evicted := e.log.Push(r); evicted {
		e.metrics.AlertLogEvicted.Inc()
	}
	e.metrics.AlertLogSize.Set(float64(e.log.Len()))
	e.metrics.AlertsAppended.WithLabelValues(string(r.Source), string(r.Status)).Inc()

	for _, s := range e.streams {
		s.queue.Push(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if e.opts.Store != nil {
		if err := e.opts.Store.Append(ctx, r); err != nil {
			e.logger.Error("persist alert record", "seq", r.Seq, "error", err)
		}
	}
	for _, s := range e.opts.Sinks {
		if err := s.PublishAlert(ctx, r); err != nil {
			e.logger.Error("publish alert record", "seq", r.Seq, "error", err)
		}
	}
	return r
}

// List returns matching records, newest first.
func (e *Engine) List(f Filter) []domain.AlertRecord {
	e.mu.Lock()
	items := e.log.Items()
	e.mu.Unlock()

	out := make([]domain.AlertRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if !f.match(items[i]) {
			continue
		}
		out = append(out, items[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of retained records.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.Len()
}

// Conditions returns every known condition, ordered by key.
func (e *Engine) Conditions() []Condition {
	e.mu.Lock()
	out := make([]Condition, 0, len(e.conditions))
	for _, c := range e.conditions {
		out = append(out, *c)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b Condition) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// Subscribe opens a live stream of records appended from now on.
func (e *Engine) Subscribe() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextStream++
	s := &Stream{id: e.nextStream, queue: fanout.New[domain.AlertRecord](e.opts.StreamDepth), engine: e}
	if e.closed {
		s.queue.Close()
		return s
	}
	e.streams[s.id] = s
	return s
}

// Close ends every open stream.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, s := range e.streams {
		s.queue.Close()
		delete(e.streams, id)
	}
}

// Stream is a live feed of appended records. A slow reader loses the oldest
// queued records rather than blocking the append path.
type Stream struct {
	id     uint64
	queue  *fanout.Queue[domain.AlertRecord]
	engine *Engine
	once   sync.Once
}

func (s *Stream) Records() <-chan domain.AlertRecord { return s.queue.C() }

func (s *Stream) Dropped() uint64 { return s.queue.Dropped() }

// Close detaches the stream and closes its channel.
func (s *Stream) Close() {
	s.once.Do(func() {
		e := s.engine
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.streams[s.id]; ok {
			delete(e.streams, s.id)
			s.queue.Close()
		}
	})
}
