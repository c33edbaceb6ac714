package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_sessions_open",
			Help: "Visitor sessions currently mounted",
		},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_sessions_reaped_total",
			Help: "Idle visitor sessions released by the reaper",
		},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_received_total",
			Help: "Messages received from the transport",
		},
		[]string{"sender"},
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_duplicate_messages_total",
			Help: "Transport messages dropped because their id was already present",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_sent_total",
			Help: "Visitor messages handed to the transport",
		},
		[]string{"path"}, // "direct" or "flushed"
	)

	MessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_messages_queued_total",
			Help: "Visitor messages queued while no transport was available",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_delivery_failures_total",
			Help: "Transport send calls that returned an error",
		},
	)

	// Transport discovery metrics
	DiscoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_discovery_attempts_total",
			Help: "Transport lookups by outcome",
		},
		[]string{"result"}, // "found" or "unavailable"
	)

	// Persistence metrics
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_persistence_failures_total",
			Help: "Storage operations that failed and were degraded to in-memory",
		},
		[]string{"op"},
	)

	MalformedState = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_malformed_state_total",
			Help: "Persisted values discarded by validation",
		},
		[]string{"key"},
	)
)
