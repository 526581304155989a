package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/metrics"
	"github.com/spiralogic/oracle/internal/notify"
)

// Defaults for the outbound buffer and broker round trips.
const (
	DefaultBufferSize = 256
	publishTimeout    = 5 * time.Second
	connectWait       = 30 * time.Second
)

// Canceller cancels voice tasks; *voice.Queue satisfies it.
type Canceller interface {
	Cancel(taskID string)
}

// publisher is the part of the connection manager used to send. Tests
// substitute a recorder.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

type message struct {
	topic   string
	payload []byte
}

// Mirror publishes notification hub events to the broker.
type Mirror struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger

	queue   chan message
	limiter *messageRateLimiter

	mu        sync.RWMutex
	canceller Canceller
	cm        *autopaho.ConnectionManager
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// connect and begin draining events.
func New(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Mirror{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		queue:    make(chan message, DefaultBufferSize),
		limiter:  newMessageRateLimiter(defaultCancelLimit, time.Minute, logger),
	}
}

// SetCanceller enables the inbound cancel topic.
func (m *Mirror) SetCanceller(c Canceller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceller = c
}

// Sink is a notify.Sink. It never blocks: when the outbound buffer is
// full the event is dropped and counted.
func (m *Mirror) Sink(userID string, e notify.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("mqtt marshal event", "type", e.Type, "error", err)
		return
	}
	select {
	case m.queue <- message{topic: m.voiceTopic(userID), payload: payload}:
	default:
		metrics.MQTTMessages.WithLabelValues("out", "dropped_full").Inc()
		m.logger.Warn("mqtt buffer full, event dropped",
			"user_id", userID, "task_id", e.TaskID, "type", e.Type)
	}
}

// Start connects to the broker and publishes buffered events until ctx
// is cancelled. On every (re-)connect it publishes the birth message
// and renews the cancel subscription.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
			m.subscribeCancel(ctx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleCancel(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; events buffer
		// until the connection is up.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go m.limiter.start(ctx)
	m.drain(ctx, cm)
	return nil
}

// Stop publishes the offline availability message and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.RLock()
	cm := m.cm
	m.mu.RUnlock()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as a health check.
func (m *Mirror) AwaitConnection(ctx context.Context) error {
	m.mu.RLock()
	cm := m.cm
	m.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("mqtt mirror not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

// topicSegment makes a user ID safe to embed as one topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func (m *Mirror) voiceTopic(userID string) string {
	return m.cfg.TopicPrefix + "/" + topicSegment(userID) + "/voice"
}

func (m *Mirror) cancelFilter() string {
	return m.cfg.TopicPrefix + "/+/voice/cancel"
}

func (m *Mirror) availabilityTopic() string {
	return m.cfg.TopicPrefix + "/status"
}

// --- Outbound ---

// drain publishes buffered events until ctx is cancelled. A failed
// publish is logged and the event is lost; the turn's voice status
// remains the durable record.
func (m *Mirror) drain(ctx context.Context, pub publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			_, err := pub.Publish(pctx, &paho.Publish{
				Topic:   msg.topic,
				Payload: msg.payload,
				QoS:     1,
			})
			cancel()
			if err != nil {
				metrics.MQTTMessages.WithLabelValues("out", "error").Inc()
				m.logger.Warn("mqtt event publish failed", "topic", msg.topic, "error", err)
				continue
			}
			metrics.MQTTMessages.WithLabelValues("out", "ok").Inc()
			m.logger.Debug("mqtt event published", "topic", msg.topic)
		}
	}
}

func (m *Mirror) publishAvailability(ctx context.Context, pub publisher, status string) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := pub.Publish(pctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}
