package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "messages_sent_total",
			Help:      "Messages handed to SendMsg, by flow.",
		},
		[]string{"flow"},
	)

	BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "bytes_sent_total",
			Help:      "Packed metadata plus payload bytes sent.",
		},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "messages_received_total",
			Help:      "Messages handed upward by RecvMsg, by flow.",
		},
		[]string{"flow"},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "bytes_received_total",
			Help:      "Packed metadata plus payload bytes received.",
		},
	)

	Rendezvous = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "rendezvous_total",
			Help:      "Rendezvous handshakes initiated.",
		},
	)

	Completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "completions_total",
			Help:      "Work completions drained from the CQ, by opcode.",
		},
		[]string{"opcode"},
	)

	ConnectionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pslite",
			Name:      "connection_events_total",
			Help:      "Connection-manager events, by type.",
		},
		[]string{"event"},
	)
)

func init() {
	Registry.MustRegister(MessagesSent, BytesSent, MessagesReceived, BytesReceived,
		Rendezvous, Completions, ConnectionEvents)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
