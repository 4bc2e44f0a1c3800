// Package metrics provides Prometheus instrumentation for the Olyx
// pairing core. It exposes gauges for queue depth and live sessions,
// counters for pairing outcomes and signaling traffic, and histograms
// for search and connection latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of users waiting to be paired.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "olyx_match_queue_size",
		Help: "Current number of users in the matching queue",
	})

	// ActiveSessions tracks the current number of open sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "olyx_active_sessions",
		Help: "Current number of active pairing sessions",
	})

	// PairAttempts counts TryPair outcomes, labeled "created",
	// "conflict", or "error".
	PairAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "olyx_pair_attempts_total",
		Help: "Total pairing attempts by outcome",
	}, []string{"outcome"})

	// MatchDuration records the time from enqueue to session creation.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "olyx_match_duration_seconds",
		Help:    "Time from enqueue to session creation",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 60},
	})

	// SignalMessages counts relayed signaling messages, labeled by kind:
	// "offer", "answer", "candidate", "violation_dropped".
	SignalMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "olyx_signal_messages_total",
		Help: "Total signaling messages relayed",
	}, []string{"kind"})

	// ConnectionOutcomes counts supervisor terminal states, labeled
	// "connected", "timeout", "failed", "media_denied".
	ConnectionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "olyx_connection_outcomes_total",
		Help: "Total peer connection attempts by terminal outcome",
	}, []string{"outcome"})

	// ConnectDuration records time from session creation to CONNECTED.
	ConnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "olyx_connect_duration_seconds",
		Help:    "Time from session creation to peer connection established",
		Buckets: []float64{.5, 1, 2, 5, 10, 15, 20},
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ActiveSessions,
		PairAttempts,
		MatchDuration,
		SignalMessages,
		ConnectionOutcomes,
		ConnectDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
