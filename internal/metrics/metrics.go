package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightning_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lightning_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	OnlineSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lightning_online_sessions",
			Help: "Authenticated sessions currently holding a presence entry",
		},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightning_auth_attempts_total",
			Help: "Websocket auth attempts by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid", "already_online"
	)

	// Delivery metrics
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightning_envelopes_sent_total",
			Help: "Envelopes accepted for delivery",
		},
		[]string{"kind", "path"}, // path: "immediate" or "queued"
	)

	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightning_mutations_total",
			Help: "Applied edits and deletes",
		},
		[]string{"op"},
	)

	Replayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lightning_replayed_envelopes_total",
			Help: "Backlog envelopes delivered on reconnect",
		},
	)

	DroppedEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lightning_dropped_envelopes_total",
			Help: "Inbound envelopes dropped",
		},
		[]string{"reason"},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lightning_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)
)
