package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/config"
	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func headers(msg kafkago.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func newTestPublisher() (*Publisher, *captureWriter, *captureWriter, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	p := NewPublisher(&config.Config{
		KafkaBrokers:         []string{"localhost:9092"},
		KafkaAssessmentTopic: "risk-assessments",
		KafkaAlertTopic:      "alert-records",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	assessments, alerts := &captureWriter{}, &captureWriter{}
	p.assessments, p.alerts = assessments, alerts
	return p, assessments, alerts, m
}

func TestSerializeAssessment(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	loc := domain.Location{Lat: 26.9124, Lon: 75.7873}
	snap := domain.TelemetrySnapshot{
		Location:           loc,
		Precipitation24hMM: domain.Some(40),
		CapturedAt:         now,
	}
	a := domain.DefaultScoringPolicy().Score(snap)

	msg, err := serializeAssessment(snap, a)
	require.NoError(t, err)

	assert.Equal(t, []byte("26.9124,75.7873"), msg.Key)
	assert.Equal(t, map[string]string{
		"level":       "HIGH",
		"degraded":    "false",
		"captured_at": "2026-03-14T10:30:00Z",
	}, headers(msg))

	var event struct {
		Assessment struct {
			Score float64 `json:"score"`
			Level string  `json:"level"`
		} `json:"assessment"`
		Snapshot struct {
			Precipitation *float64 `json:"precipitation_24h_mm"`
			Soil          *float64 `json:"soil_moisture_pct"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.InDelta(t, 80.0, event.Assessment.Score, 1e-9)
	assert.Equal(t, "HIGH", event.Assessment.Level)
	require.NotNil(t, event.Snapshot.Precipitation)
	assert.Equal(t, 40.0, *event.Snapshot.Precipitation)
	assert.Nil(t, event.Snapshot.Soil, "absent reading stays null")
}

func TestSerializeAlert(t *testing.T) {
	r := domain.AlertRecord{
		ID:        "3f1c",
		Seq:       12,
		Level:     domain.LevelHigh,
		Source:    domain.SourceRiskThreshold,
		Condition: "location:26.9124,75.7873",
		Status:    domain.StatusRaised,
	}

	msg, err := serializeAlert(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("location:26.9124,75.7873"), msg.Key)
	assert.Equal(t, map[string]string{"status": "RAISED", "source": "risk-threshold", "seq": "12"}, headers(msg))
	assert.Contains(t, string(msg.Value), `"seq":12`)

	r.Condition, r.Source = "", domain.SourceManualTest
	msg, err = serializeAlert(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("manual-test"), msg.Key, "records without a condition are keyed by source")
}

func TestPublisher_RoutesToTopics(t *testing.T) {
	p, assessments, alerts, _ := newTestPublisher()
	loc := domain.Location{Lat: 1, Lon: 2}

	p.ObserveAssessment(domain.TelemetrySnapshot{Location: loc}, domain.RiskAssessment{Location: loc, Level: domain.LevelLow})
	require.NoError(t, p.PublishAlert(context.Background(), domain.AlertRecord{Seq: 1, Source: domain.SourceManualTest}))

	assert.Len(t, assessments.msgs, 1)
	assert.Len(t, alerts.msgs, 1)

	require.NoError(t, p.Close())
	assert.True(t, assessments.closed)
	assert.True(t, alerts.closed)
}

func TestPublisher_CountsFailures(t *testing.T) {
	p, assessments, alerts, m := newTestPublisher()
	assessments.err = errors.New("broker down")
	alerts.err = errors.New("broker down")

	p.ObserveAssessment(domain.TelemetrySnapshot{}, domain.RiskAssessment{})
	err := p.PublishAlert(context.Background(), domain.AlertRecord{Seq: 7})

	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("risk-assessments")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishErrors.WithLabelValues("alert-records")))
}
