package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Authenticated sockets currently registered.",
		},
	)

	MessagesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_relayed_total",
			Help: "Chat relay attempts by resulting delivery state or error.",
		},
		[]string{"outcome"},
	)

	MessagesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_flushed_total",
			Help: "Queued messages delivered on reconnect.",
		},
	)

	FlushDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_flush_duration_seconds",
			Help:    "Time spent flushing a user's offline queue.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)

	SignalsRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_signals_relayed_total",
			Help: "Signaling frames by outcome.",
		},
		[]string{"outcome"},
	)

	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_acks_total",
			Help: "Read acknowledgements by outcome.",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers every collector with reg. Tests pass a fresh
// registry; main passes prometheus.DefaultRegisterer.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		ActiveConnections,
		MessagesRelayedTotal,
		MessagesFlushedTotal,
		FlushDurationSeconds,
		SignalsRelayedTotal,
		AcksTotal,
	)
}
