// Package metrics defines the Prometheus collectors exported on
// /metrics. Collectors register with the default registry at init.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "oracle_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "route"},
	)

	LayerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_memory_layer_latency_seconds",
			Help:    "Memory layer query latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5},
		},
		[]string{"layer"},
	)

	LayerAbsent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_memory_layer_absent_total",
			Help: "Context assemblies where a layer contributed nothing because it failed or timed out",
		},
		[]string{"layer", "reason"},
	)

	ContextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_context_tokens",
			Help:    "Estimated tokens in assembled contexts",
			Buckets: prometheus.ExponentialBuckets(64, 2, 8),
		},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_provider_attempts_total",
			Help: "Provider attempts by chain, provider and outcome",
		},
		[]string{"chain", "provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "oracle_provider_latency_seconds",
			Help: "Provider attempt latency in seconds",
		},
		[]string{"chain", "provider"},
	)

	DegradedReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_degraded_replies_total",
			Help: "Replies served from the degraded fallback because every text provider failed",
		},
	)

	VoiceTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_voice_tasks_total",
			Help: "Voice tasks by terminal outcome",
		},
		[]string{"outcome"},
	)

	VoiceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_voice_queue_depth",
			Help: "Voice tasks waiting for a worker",
		},
	)

	VoiceCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_voice_cache_hits_total",
			Help: "Synthesis requests served from the audio cache",
		},
	)

	HubDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_hub_events_total",
			Help: "Notification hub events by result (delivered, dropped_full, no_subscribers)",
		},
		[]string{"result"},
	)

	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oracle_hub_subscribers",
			Help: "Open notification channels",
		},
	)

	MQTTMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_mqtt_messages_total",
			Help: "MQTT mirror messages by direction and result",
		},
		[]string{"direction", "result"},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_persist_failures_total",
			Help: "Turn persistence failures by step",
		},
		[]string{"step"},
	)

	ProviderUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_provider_up",
			Help: "Whether the last reachability probe of a provider succeeded (1) or not (0)",
		},
		[]string{"provider"},
	)

	HousekeepingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_housekeeping_runs_total",
			Help: "Housekeeping job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)

// ObserveAttempt records one provider attempt of a fallback chain.
func ObserveAttempt(chain, provider string, err error, d time.Duration) {
	ProviderAttempts.WithLabelValues(chain, provider, Outcome(err)).Inc()
	ProviderLatency.WithLabelValues(chain, provider).Observe(d.Seconds())
}

// Outcome maps an attempt error to a metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
