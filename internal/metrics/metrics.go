package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notes_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Presence metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notes_connections_active",
			Help: "Websocket connections currently open on this node",
		},
	)

	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_presence_registrations_total",
			Help: "Identity claims processed",
		},
		[]string{"result"}, // "registered", "reclaimed", "rejected"
	)

	// Dispatch metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_delivery_attempts_total",
			Help: "Per-connection delivery attempts",
		},
		[]string{"event", "result"}, // result: "ok", "failed"
	)

	DispatchesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_dispatches_dropped_total",
			Help: "Dispatches to users with no local connection",
		},
		[]string{"event"},
	)

	// Backplane metrics
	BackplanePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_backplane_publishes_total",
			Help: "Backplane publish attempts",
		},
		[]string{"result"},
	)

	BackplaneReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notes_backplane_received_total",
			Help: "Remote-origin events delivered from the backplane",
		},
	)

	// Business metrics
	ChatMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_chat_messages_total",
			Help: "Chat send attempts",
		},
		[]string{"result"}, // "persisted", "persist_failed", "invalid"
	)

	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notes_notifications_created_total",
			Help: "Notifications persisted",
		},
		[]string{"type"},
	)

	PersistenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notes_persistence_latency_seconds",
			Help:    "Chat message save latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
	)
)
