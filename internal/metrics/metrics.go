// Package metrics provides Prometheus instrumentation for the PayChat
// engine. It exposes gauges for connection and session counts, counters for
// message throughput and billing activity, and the standard /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paychat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of active billed chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paychat_active_sessions",
		Help: "Current number of active chat sessions with a running billing timer",
	})

	// BillingTicks counts billing timer ticks, labeled by result:
	// "ok", "exhausted", or "error".
	BillingTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paychat_billing_ticks_total",
		Help: "Total number of billing timer ticks",
	}, []string{"result"})

	// PointsDeducted accumulates the total points deducted across all sessions.
	PointsDeducted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paychat_points_deducted_total",
		Help: "Total points deducted by the billing engine",
	})

	// MessagesTotal counts the messages processed, labeled by type:
	// "sent", "rejected", or "companion".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paychat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// CompanionReplies counts generated companion replies, labeled by source:
	// "model" or "fallback".
	CompanionReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paychat_companion_replies_total",
		Help: "Total number of companion replies produced",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveSessions,
		BillingTicks,
		PointsDeducted,
		MessagesTotal,
		CompanionReplies,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
