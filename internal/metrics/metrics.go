// Package metrics provides Prometheus instrumentation for the collaboration
// server: connection and room gauges, per-type message counters, and
// initial-state sync outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_rooms",
		Help: "Current number of live project rooms",
	})

	// JoinedSessions tracks sessions that are members of some room.
	JoinedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_joined_sessions",
		Help: "Current number of sessions joined to a room",
	})

	// MessagesTotal counts relayed messages, labeled by message type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// RateLimitedTotal counts client messages dropped by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_rate_limited_total",
		Help: "Total number of client messages rejected by rate limiting",
	}, []string{"type"})

	// MessageLatency records hub processing latency for one client message.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_message_latency_seconds",
		Help:    "Client message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// InitialStateTotal counts initialState replies, labeled by status.
	InitialStateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_initial_state_total",
		Help: "Initial state replies by status (ok, empty, fallback)",
	}, []string{"status"})

	// InitialStateLatency records the time from request to initialState reply.
	InitialStateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_initial_state_seconds",
		Help:    "Time from requestInitialState to initialState reply",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 4, 8},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		JoinedSessions,
		MessagesTotal,
		RateLimitedTotal,
		MessageLatency,
		InitialStateTotal,
		InitialStateLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
