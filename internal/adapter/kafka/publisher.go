package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/config"
	"github.com/couchcryptid/rockguard-telemetry/internal/domain"
	"github.com/couchcryptid/rockguard-telemetry/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher streams risk assessments and alert records to Kafka. It
// implements hub.Observer and alert.Sink.
type Publisher struct {
	assessments     messageWriter
	alerts          messageWriter
	assessmentTopic string
	alertTopic      string
	logger          *slog.Logger
	metrics         *observability.Metrics
}

// NewPublisher creates async producers for the assessment and alert topics.
// Messages are keyed so one location or condition always lands on one
// partition, which keeps per-key ordering.
func NewPublisher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	p := &Publisher{
		assessmentTopic: cfg.KafkaAssessmentTopic,
		alertTopic:      cfg.KafkaAlertTopic,
		logger:          logger.With("component", "kafka-publisher"),
		metrics:         metrics,
	}
	p.assessments = p.newWriter(cfg.KafkaBrokers, cfg.KafkaAssessmentTopic)
	p.alerts = p.newWriter(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
	return p
}

func (p *Publisher) newWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				p.failed(topic, len(msgs), err)
			}
		},
	}
}

func (p *Publisher) failed(topic string, n int, err error) {
	p.metrics.PublishErrors.WithLabelValues(topic).Add(float64(n))
	p.logger.Error("kafka publish failed", "topic", topic, "messages", n, "error", err)
}

// ObserveAssessment publishes every scored cycle, pushed or not.
func (p *Publisher) ObserveAssessment(snap domain.TelemetrySnapshot, a domain.RiskAssessment) {
	msg, err := serializeAssessment(snap, a)
	if err != nil {
		p.logger.Error("serialize assessment", "location", a.Location.Key(), "error", err)
		return
	}
	if err := p.assessments.WriteMessages(context.Background(), msg); err != nil {
		p.failed(p.assessmentTopic, 1, err)
	}
}

// PublishAlert publishes one alert record.
func (p *Publisher) PublishAlert(ctx context.Context, r domain.AlertRecord) error {
	msg, err := serializeAlert(r)
	if err != nil {
		return err
	}
	if err := p.alerts.WriteMessages(ctx, msg); err != nil {
		p.failed(p.alertTopic, 1, err)
		return fmt.Errorf("publish alert %d: %w", r.Seq, err)
	}
	return nil
}

// Close flushes pending messages and closes both producers.
func (p *Publisher) Close() error {
	return errors.Join(p.assessments.Close(), p.alerts.Close())
}

// assessmentEvent is the assessment topic payload.
type assessmentEvent struct {
	Assessment domain.RiskAssessment    `json:"assessment"`
	Snapshot   domain.TelemetrySnapshot `json:"snapshot"`
}

func serializeAssessment(snap domain.TelemetrySnapshot, a domain.RiskAssessment) (kafkago.Message, error) {
	data, err := json.Marshal(assessmentEvent{Assessment: a, Snapshot: snap})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize assessment: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(a.Location.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "level", Value: []byte(a.Level)},
			{Key: "degraded", Value: []byte(strconv.FormatBool(a.Degraded))},
			{Key: "captured_at", Value: []byte(a.CapturedAt.Format(time.RFC3339))},
		},
	}, nil
}

func serializeAlert(r domain.AlertRecord) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert record: %w", err)
	}
	key := r.Condition
	if key == "" {
		key = string(r.Source)
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(r.Status)},
			{Key: "source", Value: []byte(r.Source)},
			{Key: "seq", Value: []byte(strconv.FormatUint(r.Seq, 10))},
		},
	}, nil
}
