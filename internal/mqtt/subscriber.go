package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/spiralogic/oracle/internal/metrics"
)

// defaultCancelLimit bounds inbound cancel messages per minute.
const defaultCancelLimit = 120

func (m *Mirror) subscribeCancel(ctx context.Context, cm *autopaho.ConnectionManager) {
	m.mu.RLock()
	enabled := m.canceller != nil
	m.mu.RUnlock()
	if !enabled {
		return
	}

	filter := m.cancelFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topic", filter, "error", err)
		return
	}
	m.logger.Info("mqtt subscribed", "topic", filter)
}

// cancelPayload accepts either a bare task ID or {"task_id": "..."}.
type cancelPayload struct {
	TaskID string `json:"task_id"`
}

// handleCancel cancels the task named by a message on the cancel
// topic. Other topics and over-limit messages are ignored.
func (m *Mirror) handleCancel(topic string, payload []byte) {
	if !m.isCancelTopic(topic) {
		return
	}
	if !m.limiter.allow() {
		metrics.MQTTMessages.WithLabelValues("in", "rate_limited").Inc()
		return
	}

	m.mu.RLock()
	c := m.canceller
	m.mu.RUnlock()
	if c == nil {
		return
	}

	taskID := strings.TrimSpace(string(payload))
	if strings.HasPrefix(taskID, "{") {
		var p cancelPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			metrics.MQTTMessages.WithLabelValues("in", "invalid").Inc()
			m.logger.Debug("mqtt cancel payload invalid", "topic", topic, "error", err)
			return
		}
		taskID = strings.TrimSpace(p.TaskID)
	}
	if taskID == "" {
		metrics.MQTTMessages.WithLabelValues("in", "invalid").Inc()
		return
	}

	c.Cancel(taskID)
	metrics.MQTTMessages.WithLabelValues("in", "ok").Inc()
	m.logger.Debug("mqtt cancel received", "topic", topic, "task_id", taskID)
}

func (m *Mirror) isCancelTopic(topic string) bool {
	parts := strings.Split(topic, "/")
	return len(parts) == 4 &&
		parts[0] == m.cfg.TopicPrefix &&
		parts[1] != "" &&
		parts[2] == "voice" &&
		parts[3] == "cancel"
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging a warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether the current interval is still under the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
