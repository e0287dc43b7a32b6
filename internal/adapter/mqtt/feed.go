// Package mqtt subscribes to the field tracking feed and applies worker
// position and vitals readings to the personnel classifier.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/rockguard-telemetry/internal/config"
	"github.com/couchcryptid/rockguard-telemetry/internal/personnel"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

const (
	qos               = 1
	keepAliveSeconds  = 30
	sessionExpirySecs = 60
	subscribeTimeout  = 10 * time.Second
	disconnectTimeout = 2 * time.Second
)

// Feed owns one MQTT v5 connection subscribed to the tracking topic. Payloads
// are JSON position updates; a missing worker_id is taken from the topic
// level matched by the single-level wildcard.
type Feed struct {
	broker   *url.URL
	clientID string
	topic    string
	updater  personnel.Updater
	logger   *slog.Logger

	connected atomic.Bool

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// NewFeed validates the broker URL. Nothing connects until Start.
func NewFeed(cfg *config.Config, updater personnel.Updater, logger *slog.Logger) (*Feed, error) {
	broker, err := url.Parse(cfg.MQTTBrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse MQTT_BROKER_URL: %w", err)
	}
	return &Feed{
		broker:   broker,
		clientID: cfg.MQTTClientID,
		topic:    cfg.MQTTTopic,
		updater:  updater,
		logger:   logger.With("component", "mqtt-feed"),
	}, nil
}

// Start connects and waits for the first connection or for ctx to end. The
// connection manager keeps reconnecting until ctx ends or Close is called.
func (f *Feed) Start(ctx context.Context) error {
	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{f.broker},
		KeepAlive:                     keepAliveSeconds,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         sessionExpirySecs,
		// Subscribing on every connection restores the subscription after a reconnect.
		OnConnectionUp: f.subscribe,
		OnConnectError: func(err error) {
			f.connected.Store(false)
			f.logger.Warn("mqtt connect failed", "broker", f.broker.Redacted(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					f.handle(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				f.connected.Store(false)
				f.logger.Warn("mqtt connection lost", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				f.connected.Store(false)
				f.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	f.mu.Lock()
	f.cm = cm
	f.mu.Unlock()

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (f *Feed) subscribe(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: f.topic, QoS: qos}},
	}); err != nil {
		f.logger.Error("mqtt subscribe failed", "topic", f.topic, "error", err)
		return
	}
	f.connected.Store(true)
	f.logger.Info("mqtt subscribed", "topic", f.topic)
}

func (f *Feed) handle(topic string, payload []byte) {
	u, err := decodeUpdate(f.topic, topic, payload)
	if err != nil {
		f.logger.Warn("malformed tracking message", "topic", topic, "error", err)
		return
	}
	if _, err := f.updater.Update(u); err != nil {
		f.logger.Warn("tracking update rejected", "worker", u.WorkerID, "error", err)
	}
}

func decodeUpdate(filter, topic string, payload []byte) (personnel.PositionUpdate, error) {
	var u personnel.PositionUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return u, fmt.Errorf("decode payload: %w", err)
	}
	if u.WorkerID == "" {
		u.WorkerID = wildcardLevel(filter, topic)
	}
	if u.WorkerID == "" {
		return u, errors.New("no worker id in payload or topic")
	}
	return u, nil
}

// wildcardLevel returns the topic level matched by the first "+" in filter.
func wildcardLevel(filter, topic string) string {
	fl, tl := strings.Split(filter, "/"), strings.Split(topic, "/")
	for i, level := range fl {
		if level == "+" && i < len(tl) {
			return tl[i]
		}
	}
	return ""
}

// CheckReadiness reports whether the broker connection is up and subscribed.
func (f *Feed) CheckReadiness(_ context.Context) error {
	if !f.connected.Load() {
		return errors.New("mqtt broker not connected")
	}
	return nil
}

// Close disconnects cleanly. It is safe to call before Start.
func (f *Feed) Close() {
	f.mu.Lock()
	cm := f.cm
	f.mu.Unlock()
	if cm == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := cm.Disconnect(ctx); err != nil {
		f.logger.Debug("mqtt disconnect", "error", err)
	}
	f.connected.Store(false)
	f.logger.Info("mqtt feed closed")
}
