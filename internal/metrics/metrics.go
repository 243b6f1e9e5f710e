// Package metrics provides Prometheus instrumentation for the room chat
// client. It exposes gauges for session state, counters for frame and
// message throughput, reconnects and membership operations, and histograms
// for history latency and member-count drift.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsOpen tracks the number of sessions currently in the OPEN state.
	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_sessions_open",
		Help: "Current number of open chat sessions",
	})

	// SessionTransitions counts state machine transitions, labeled by the
	// state entered.
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"state"}) // state = "connecting", "open", "reconnecting", "closed"

	// FramesTotal counts frames on the wire, labeled by direction ("in",
	// "out") and frame type.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_frames_total",
		Help: "Total number of websocket frames sent and received",
	}, []string{"direction", "type"})

	// MessagesTotal counts messages offered to the merger, labeled by source:
	// "history", "live" or "duplicate".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Total number of chat messages merged or dropped",
	}, []string{"source"})

	// ReconnectsTotal counts reconnect scheduling, labeled by outcome:
	// "scheduled" or "exhausted".
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_reconnects_total",
		Help: "Total number of reconnect attempts scheduled or abandoned",
	}, []string{"outcome"})

	// HistoryFetchDuration records history page fetch latency in seconds.
	HistoryFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomchat_history_fetch_duration_seconds",
		Help:    "History page fetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"result"}) // result = "ok", "error"

	// MembershipOps counts ledger operations, labeled by op and result.
	MembershipOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_membership_ops_total",
		Help: "Total number of membership ledger operations",
	}, []string{"op", "result"})

	// CounterDrift records the absolute difference between a room's stored
	// member-count and its membership records, observed by reconciliation.
	CounterDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_member_count_drift",
		Help:    "Absolute member-count drift found by reconciliation",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100},
	})
)

func init() {
	prometheus.MustRegister(
		SessionsOpen,
		SessionTransitions,
		FramesTotal,
		MessagesTotal,
		ReconnectsTotal,
		HistoryFetchDuration,
		MembershipOps,
		CounterDrift,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
