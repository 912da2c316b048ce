// Package metrics provides Prometheus instrumentation for the chat client. It
// exposes the connection state, envelope throughput in both directions,
// reconnect activity, and per-conversation streaming gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState reports the connection manager state as a number:
	// 0 = disconnected, 1 = connecting, 2 = connected, 3 = reconnecting.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_connection_state",
		Help: "Current connection manager state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
	})

	// EnvelopesTotal counts envelopes by direction ("in", "out") and type.
	EnvelopesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_envelopes_total",
		Help: "Total number of envelopes sent and received",
	}, []string{"direction", "type"})

	// EnvelopesDropped counts envelopes that were discarded, labeled by
	// reason: "malformed", "unrouted", "not_connected", "not_subscribed".
	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_envelopes_dropped_total",
		Help: "Total number of envelopes dropped",
	}, []string{"reason"})

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_reconnect_attempts_total",
		Help: "Total number of reconnect attempts scheduled",
	})

	// ReconnectGiveUps counts how often the reconnect ceiling was reached.
	ReconnectGiveUps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_reconnect_give_ups_total",
		Help: "Total number of times reconnection was abandoned",
	})

	// ConnectLatency records the time from dial to open in seconds.
	ConnectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatclient_connect_latency_seconds",
		Help:    "Transport open latency in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// ActiveConversations tracks the number of conversation states held.
	ActiveConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_active_conversations",
		Help: "Current number of conversation states held by the coordinator",
	})

	// StreamingResponses tracks assistant responses currently being streamed.
	StreamingResponses = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_streaming_responses",
		Help: "Current number of assistant responses being streamed",
	})

	// ErrorsTotal counts errors reported to the UI error sink, labeled by
	// kind: "connect", "precondition", "timeout", "backend", "reconnect".
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_errors_total",
		Help: "Total number of errors reported to the UI",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		EnvelopesTotal,
		EnvelopesDropped,
		ReconnectAttempts,
		ReconnectGiveUps,
		ConnectLatency,
		ActiveConversations,
		StreamingResponses,
		ErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
