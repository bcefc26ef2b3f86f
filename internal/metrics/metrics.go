// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection and room counts, counters for message
// and verdict throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// outcome: "delivered", "filtered", "blocked", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// VerdictsTotal counts moderation verdicts by reason.
	VerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_moderation_verdicts_total",
		Help: "Total number of moderation verdicts by reason",
	}, []string{"reason"})

	// MessageLatency records message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomOccupancy tracks the current member count per room.
	RoomOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_room_occupancy",
		Help: "Current number of members per room",
	}, []string{"room"})

	// PendingCases tracks the number of moderation cases awaiting review.
	PendingCases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_cases",
		Help: "Current number of moderation cases awaiting review",
	})

	// ReportsTotal counts user reports filed, labeled by reason.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reports_total",
		Help: "Total number of user reports filed",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		VerdictsTotal,
		MessageLatency,
		RoomOccupancy,
		PendingCases,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
