// Package metrics holds the prometheus collectors of the chat client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_client_connection_status",
			Help: "1 for the current connection status, 0 otherwise",
		},
		[]string{"status"},
	)

	ConnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_connect_attempts_total",
			Help: "Total connection attempts",
		},
	)

	ConnectErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_connect_errors_total",
			Help: "Total failed connection attempts",
		},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_disconnects_total",
			Help: "Total disconnects",
		},
		[]string{"reason"}, // "client", "server", "transport", "exhausted"
	)

	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_client_handshake_duration_seconds",
			Help:    "Time from dial to namespace connect",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Protocol metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_events_emitted_total",
			Help: "Total events emitted to the server",
		},
		[]string{"event"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_events_received_total",
			Help: "Total events received from the server",
		},
		[]string{"event"},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_decode_failures_total",
			Help: "Total inbound frames or payloads that failed to decode",
		},
		[]string{"event"},
	)

	// Chat metrics
	ServerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_server_errors_total",
			Help: "Total error events pushed by the server",
		},
	)
)

var statuses = []string{"disconnected", "connecting", "connected", "error"}

// SetConnectionStatus marks status as the current connection status.
func SetConnectionStatus(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
}
