//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/adapter/kafka"
	"github.com/couchcryptid/rockguard-telemetry/internal/alert"
	"github.com/couchcryptid/rockguard-telemetry/internal/config"
	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/hub"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	"github.com/couchcryptid/rockguard-telemetry/internal/store/sqlite"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const (
	testAssessmentTopic = "test-assessments"
	testAlertTopic      = "test-alerts"
)

var site = domain.Location{Lat: 26.9124, Lon: 75.7873}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// startKafka runs a single-node KRaft broker for the lifetime of the test.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("rockguard-test"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the cluster controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

type consumed struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

func newConsumer(t *testing.T, broker, topic string) *kafkago.Reader {
	t.Helper()
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       topic,
		GroupID:     fmt.Sprintf("test-%s-%d", topic, time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func readMessage(ctx context.Context, t *testing.T, r *kafkago.Reader) consumed {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := r.ReadMessage(readCtx)
	require.NoError(t, err, "read from %s", r.Config().Topic)

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return consumed{Key: string(msg.Key), Value: msg.Value, Headers: headers}
}

func newPublisher(t *testing.T, broker string, metrics *observability.Metrics) *kafka.Publisher {
	t.Helper()
	cfg := &config.Config{
		KafkaBrokers:         []string{broker},
		KafkaAssessmentTopic: testAssessmentTopic,
		KafkaAlertTopic:      testAlertTopic,
	}
	return kafka.NewPublisher(cfg, discardLogger(), metrics)
}

// stormFetcher reports heavy rain and saturated soil, which scores HIGH.
type stormFetcher struct{}

func (stormFetcher) Fetch(_ context.Context, loc domain.Location) (domain.TelemetrySnapshot, error) {
	return domain.NewSnapshot(loc, domain.Observation{
		Precipitation24hMM: domain.Some(48),
		SoilMoisturePct:    domain.Some(90),
	}, []domain.ProviderStatus{{Name: "storm", OK: true}}), nil
}

// TestAlertRecordsReachKafka verifies that alert records are published in log
// order with their condition as the message key.
func TestAlertRecordsReachKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testAssessmentTopic)
	createTopic(t, broker, testAlertTopic)

	metrics := observability.NewMetricsForTesting()
	publisher := newPublisher(t, broker, metrics)

	engine := alert.New(alert.Options{Capacity: 10, Sinks: []alert.Sink{publisher}}, discardLogger(), metrics)
	raised := engine.Test(domain.LevelHigh)
	tombstone := engine.Clear()
	engine.Close()
	require.NoError(t, publisher.Close(), "flush publisher")

	consumer := newConsumer(t, broker, testAlertTopic)

	first := readMessage(ctx, t, consumer)
	var got domain.AlertRecord
	require.NoError(t, json.Unmarshal(first.Value, &got))
	assert.Equal(t, raised.ID, got.ID)
	assert.Equal(t, string(domain.SourceManualTest), first.Key)
	assert.Equal(t, "RAISED", first.Headers["status"])
	assert.Equal(t, "1", first.Headers["seq"])

	second := readMessage(ctx, t, consumer)
	require.NoError(t, json.Unmarshal(second.Value, &got))
	assert.Equal(t, tombstone.ID, got.ID)
	assert.True(t, got.Tombstone())
	assert.Equal(t, "2", second.Headers["seq"])
	assert.Equal(t, string(domain.SourceAlertLog), second.Headers["source"])
}

// TestHighRiskSiteEndToEnd wires the hub, the alert engine with a SQLite log
// and the Kafka publisher, and checks that one HIGH cycle produces an
// assessment message, a persisted RAISED record and its Kafka copy.
func TestHighRiskSiteEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testAssessmentTopic)
	createTopic(t, broker, testAlertTopic)

	metrics := observability.NewMetricsForTesting()
	publisher := newPublisher(t, broker, metrics)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "alerts.db"), 50, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine := alert.New(alert.Options{
		Capacity: 50,
		Store:    store,
		Sinks:    []alert.Sink{publisher},
	}, discardLogger(), metrics)

	h := hub.New(stormFetcher{}, domain.DefaultScoringPolicy(), hub.Options{
		Interval:    time.Hour,
		TTL:         time.Hour,
		QueueDepth:  4,
		HistorySize: 4,
	}, discardLogger(), metrics)
	h.Observe(engine)
	h.Observe(publisher)

	sub, err := h.Subscribe(site)
	require.NoError(t, err)
	select {
	case u := <-sub.Updates():
		require.Equal(t, domain.LevelHigh, u.Assessment.Level)
	case <-ctx.Done():
		t.Fatal("timed out waiting for the first update")
	}

	h.Close()
	engine.Close()
	require.NoError(t, publisher.Close(), "flush publisher")

	// Assessment topic.
	am := readMessage(ctx, t, newConsumer(t, broker, testAssessmentTopic))
	assert.Equal(t, site.Key(), am.Key)
	assert.Equal(t, "HIGH", am.Headers["level"])
	assert.Equal(t, "false", am.Headers["degraded"])
	var event struct {
		Assessment domain.RiskAssessment    `json:"assessment"`
		Snapshot   domain.TelemetrySnapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(am.Value, &event))
	assert.InDelta(t, 93.33, event.Assessment.Score, 0.01)
	assert.Equal(t, domain.Some(48), event.Snapshot.Precipitation24hMM)

	// Alert topic.
	rm := readMessage(ctx, t, newConsumer(t, broker, testAlertTopic))
	assert.Equal(t, domain.LocationCondition(site), rm.Key)
	assert.Equal(t, "RAISED", rm.Headers["status"])

	// Persisted log.
	persisted, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, domain.StatusRaised, persisted[0].Status)
	assert.Equal(t, domain.SourceRiskThreshold, persisted[0].Source)
}
