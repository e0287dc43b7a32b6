package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var site = domain.Location{Lat: 26.9124, Lon: 75.7873}

const siteCondition = "location:26.9124,75.7873"

// --- fakes ---

type memoryStore struct {
	mu      sync.Mutex
	records []domain.AlertRecord
	err     error
}

func (s *memoryStore) Append(_ context.Context, r domain.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if r.Tombstone() {
		s.records = nil
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memoryStore) Recent(_ context.Context, n int) ([]domain.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) > n {
		return append([]domain.AlertRecord(nil), s.records[len(s.records)-n:]...), nil
	}
	return append([]domain.AlertRecord(nil), s.records...), nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []domain.AlertRecord
}

func (s *recordingSink) PublishAlert(_ context.Context, r domain.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// --- helpers ---

func newTestEngine(t *testing.T, opts Options) (*Engine, *observability.Metrics) {
	t.Helper()
	if opts.Capacity == 0 {
		opts.Capacity = 200
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClock()
	}
	m := observability.NewMetricsForTesting()
	e := New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	t.Cleanup(e.Close)
	return e, m
}

func assessment(score float64) domain.RiskAssessment {
	return domain.RiskAssessment{Location: site, Score: score, Level: domain.LevelFor(score)}
}

func observe(e *Engine, scores ...float64) {
	for _, s := range scores {
		e.ObserveAssessment(domain.TelemetrySnapshot{}, assessment(s))
	}
}

func statuses(records []domain.AlertRecord) []domain.AlertStatus {
	out := make([]domain.AlertStatus, len(records))
	for i, r := range records {
		out[i] = r.Status
	}
	return out
}

// --- state machine ---

func TestObserveAssessment_SustainedHighRaisesOnce(t *testing.T) {
	e, m := newTestEngine(t, Options{})
	before := e.Len()

	observe(e, 75, 82, 91)

	require.Equal(t, before+1, e.Len())
	r := e.List(Filter{})[0]
	assert.Equal(t, domain.StatusRaised, r.Status)
	assert.Equal(t, domain.SourceRiskThreshold, r.Source)
	assert.Equal(t, siteCondition, r.Condition)
	assert.Equal(t, "26.9124,75.7873", r.Subject)
	assert.Equal(t, domain.LevelHigh, r.Level)
	assert.Equal(t, 75.0, r.Score)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsAppended.WithLabelValues("risk-threshold", "RAISED")))
}

func TestObserveAssessment_ClearsAndReRaises(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	observe(e, 80, 80, 55, 30, 72)

	assert.Equal(t,
		[]domain.AlertStatus{domain.StatusRaised, domain.StatusResolved, domain.StatusRaised},
		statuses(e.List(Filter{})))
}

func TestObserveAssessment_NonElevatedProducesNothing(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	observe(e, 10, 45, 69.999)

	assert.Zero(t, e.Len())
	conds := e.Conditions()
	require.Len(t, conds, 1)
	assert.Equal(t, domain.StatusNormal, conds[0].Status)
	assert.Equal(t, domain.LevelMedium, conds[0].Level)
}

func TestObserveAssessment_IgnoresDegraded(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	observe(e, 80)

	degraded := assessment(0)
	degraded.Degraded = true
	e.ObserveAssessment(domain.TelemetrySnapshot{Degraded: true}, degraded)

	assert.Equal(t, 1, e.Len())
	assert.Equal(t, domain.StatusRaised, e.Conditions()[0].Status)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	observe(e, 85)

	_, err := e.Resolve("location:0.0000,0.0000")
	require.ErrorIs(t, err, domain.ErrUnknownCondition)

	r, err := e.Acknowledge(siteCondition)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAcknowledged, r.Status)
	assert.Equal(t, siteCondition, r.Condition)

	_, err = e.Acknowledge(siteCondition)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Still HIGH while acknowledged: no new record.
	observe(e, 90)

	r, err = e.Resolve(siteCondition)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, r.Status)

	_, err = e.Resolve(siteCondition)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t,
		[]domain.AlertStatus{domain.StatusResolved, domain.StatusAcknowledged, domain.StatusRaised},
		statuses(e.List(Filter{})))
}

func TestAcknowledged_AutoResolvesWhenConditionClears(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	observe(e, 85)
	_, err := e.Acknowledge(siteCondition)
	require.NoError(t, err)

	observe(e, 20)

	assert.Equal(t, domain.StatusResolved, e.List(Filter{})[0].Status)
}

func TestResolvedByOperator_DoesNotReRaiseUntilCleared(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	observe(e, 85)
	_, err := e.Resolve(siteCondition)
	require.NoError(t, err)

	observe(e, 85, 88)
	assert.Equal(t, 2, e.Len())

	observe(e, 30, 85)
	assert.Equal(t, 3, e.Len())
	assert.Equal(t, domain.StatusRaised, e.List(Filter{})[0].Status)
}

func TestObserveWorker_EmergencyTier(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	w := domain.Worker{ID: "W-7", Zone: "A", Tier: domain.TierEmergency, RiskScore: 100, SOS: true}

	e.ObserveWorker(w)
	e.ObserveWorker(w)
	w.Tier, w.RiskScore, w.SOS = domain.TierCaution, 45, false
	e.ObserveWorker(w)

	records := e.List(Filter{Source: domain.SourceWorkerEmergency})
	require.Len(t, records, 2)
	assert.Equal(t, domain.StatusResolved, records[0].Status)
	assert.Equal(t, domain.LevelMedium, records[0].Level)
	assert.Equal(t, domain.StatusRaised, records[1].Status)
	assert.Equal(t, domain.LevelHigh, records[1].Level)
	assert.Equal(t, "worker:W-7", records[1].Condition)
	assert.Equal(t, "worker W-7 EMERGENCY in zone A (score 100.0), SOS", records[1].Message)
}

// --- log operations ---

func TestTest_AppendsSyntheticRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e, _ := newTestEngine(t, Options{Clock: clock})

	r := e.Test(domain.LevelHigh)

	assert.Equal(t, domain.SourceManualTest, r.Source)
	assert.Equal(t, domain.StatusRaised, r.Status)
	assert.Equal(t, domain.LevelHigh, r.Level)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, clock.Now().UTC(), r.CreatedAt)
	_, err := uuid.Parse(r.ID)
	require.NoError(t, err)
	assert.Empty(t, e.Conditions())
}

func TestList_FiltersNewestFirst(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Test(domain.LevelLow)
	observe(e, 90)
	e.Test(domain.LevelHigh)
	e.Test(domain.LevelMedium)

	all := e.List(Filter{})
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].Seq, all[i].Seq)
	}

	high := e.List(Filter{Level: domain.LevelHigh})
	assert.Len(t, high, 2)
	assert.Len(t, e.List(Filter{Source: domain.SourceManualTest, Limit: 2}), 2)
	assert.Len(t, e.List(Filter{Status: domain.StatusRaised, Source: domain.SourceRiskThreshold}), 1)
	assert.Empty(t, e.List(Filter{Status: domain.StatusAcknowledged}))
}

func TestAppend_EvictsOldestPastCapacity(t *testing.T) {
	e, m := newTestEngine(t, Options{Capacity: 3})

	for range 5 {
		e.Test(domain.LevelLow)
	}

	records := e.List(Filter{})
	require.Len(t, records, 3)
	assert.Equal(t, uint64(5), records[0].Seq)
	assert.Equal(t, uint64(3), records[2].Seq)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertLogEvicted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertLogSize))
}

func TestClear_LeavesTombstone(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	observe(e, 90)
	e.Test(domain.LevelHigh)

	tomb := e.Clear()

	assert.True(t, tomb.Tombstone())
	assert.Equal(t, domain.SourceAlertLog, tomb.Source)
	assert.Equal(t, uint64(3), tomb.Seq)
	assert.Equal(t, []domain.AlertRecord{tomb}, e.List(Filter{}))

	// Condition state survives the truncation.
	observe(e, 95)
	assert.Equal(t, 1, e.Len())
	e.Test(domain.LevelLow)
	assert.Equal(t, uint64(4), e.List(Filter{})[0].Seq)
}

func TestList_ReturnsCopies(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Test(domain.LevelHigh)

	records := e.List(Filter{})
	records[0].Message = "rewritten"

	assert.Equal(t, "synthetic HIGH alert", e.List(Filter{})[0].Message)
}

func TestAppend_ConcurrentSeqIsGloballyOrdered(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() { e.Test(domain.LevelLow) })
	}
	wg.Wait()

	records := e.List(Filter{})
	require.Len(t, records, 50)
	for i, r := range records {
		assert.Equal(t, uint64(50-i), r.Seq)
	}
}

// --- streams, store and sinks ---

func TestSubscribe_StreamsAppendedRecords(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	s := e.Subscribe()

	want := e.Test(domain.LevelHigh)
	select {
	case got := <-s.Records():
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("no record streamed")
	}

	s.Close()
	s.Close()
	_, ok := <-s.Records()
	assert.False(t, ok)
}

func TestClose_EndsStreams(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	s := e.Subscribe()

	e.Close()

	_, ok := <-s.Records()
	assert.False(t, ok)
	s.Close()

	late := e.Subscribe()
	_, ok = <-late.Records()
	assert.False(t, ok)
}

func TestStoreAndSinksReceiveEveryRecord(t *testing.T) {
	store, sink := &memoryStore{}, &recordingSink{}
	e, _ := newTestEngine(t, Options{Store: store, Sinks: []Sink{sink}})

	observe(e, 90)
	e.Test(domain.LevelLow)
	e.Clear()

	assert.Len(t, sink.records, 3)
	require.Len(t, store.records, 1)
	assert.True(t, store.records[0].Tombstone())
}

func TestStoreFailureDoesNotBlockAppend(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	e, _ := newTestEngine(t, Options{Store: store})

	e.Test(domain.LevelHigh)

	assert.Equal(t, 1, e.Len())
}

func TestRestore_LoadsRecentRecords(t *testing.T) {
	store := &memoryStore{}
	first, _ := newTestEngine(t, Options{Store: store})
	for range 4 {
		first.Test(domain.LevelMedium)
	}

	second, m := newTestEngine(t, Options{Store: store, Capacity: 3})
	require.NoError(t, second.Restore(context.Background()))

	records := second.List(Filter{})
	require.Len(t, records, 3)
	assert.Equal(t, uint64(4), records[0].Seq)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertLogSize))

	next := second.Test(domain.LevelLow)
	assert.Equal(t, uint64(5), next.Seq)
}
