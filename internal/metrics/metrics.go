// Package metrics provides Prometheus instrumentation for the realtime
// coordinator. It exposes gauges for sessions, queue depth and pairings,
// counters for message outcomes, and a histogram for queue wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels for MessagesTotal.
const (
	ResultDelivered    = "delivered"
	ResultUndelivered  = "undelivered"
	ResultUnauthorized = "unauthorized"
	ResultInvalid      = "invalid"
	ResultFailed       = "persist_failed"
)

// Drop reasons for FramesDropped.
const (
	DropMailboxFull   = "mailbox_full"
	DropSendQueueFull = "send_queue_full"
)

var (
	// ConnectionsTotal tracks the current number of live sessions. It mirrors
	// the presence count broadcast to clients.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_connections_total",
		Help: "Current number of connected sessions",
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_messages_total",
		Help: "Total number of chat messages processed, by result",
	}, []string{"result"})

	// SignalsTotal counts relayed call-signaling frames, labeled by whether
	// the target was live.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_signals_total",
		Help: "Total number of call-signaling frames, by result",
	}, []string{"result"}) // result = "relayed", "dropped"

	// MatchWait records how long the waiting side sat in the queue before
	// being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairline_match_wait_seconds",
		Help:    "Time a queue entry waited before being matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// ActiveMatches tracks the current number of paired sessions (pairs, not
	// sessions).
	ActiveMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_active_matches",
		Help: "Current number of active pairings",
	})

	// MatchQueueSize tracks the current number of sessions waiting to be
	// matched.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_match_queue_size",
		Help: "Current number of sessions in the matching queue",
	})

	// RateLimitedTotal counts client events rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_rate_limited_total",
		Help: "Total number of client events rejected by the rate limiter",
	}, []string{"action"})

	// FramesDropped counts outbound frames discarded because a recipient
	// could not keep up.
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_frames_dropped_total",
		Help: "Total number of outbound frames dropped for slow recipients, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SignalsTotal,
		MatchWait,
		ActiveMatches,
		MatchQueueSize,
		RateLimitedTotal,
		FramesDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
