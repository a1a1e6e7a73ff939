// Package metrics provides Prometheus instrumentation for the matchmaking
// platform. It exposes gauges for queue and connection counts, counters for
// match and drop throughput, and histograms for tick latency and match
// quality.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of parties waiting in the queue.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaker_queue_size",
		Help: "Current number of parties in the matchmaking queue",
	})

	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaker_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveChannels tracks the current number of live party channels.
	ActiveChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaker_active_channels",
		Help: "Current number of party fan-out channels",
	})

	// MatchesFormed counts matches emitted by the tick engine.
	MatchesFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_matches_formed_total",
		Help: "Total number of matches formed",
	})

	// QueueTimeouts counts queue entries retired after exceeding max wait.
	QueueTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_queue_timeouts_total",
		Help: "Total number of queue entries retired by timeout",
	})

	// EventsDropped counts events lost to slow subscribers, labeled by
	// layer: "bus" or "channel".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_events_dropped_total",
		Help: "Total number of events dropped on full subscriber queues",
	}, []string{"layer"})

	// TickDuration records how long each engine tick takes.
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_tick_duration_seconds",
		Help:    "Duration of a single matchmaking tick",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .2},
	})

	// MatchQuality records the quality score of emitted matches.
	MatchQuality = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_match_quality",
		Help:    "Quality score of emitted matches",
		Buckets: []float64{.6, .65, .7, .75, .8, .85, .9, .95, 1},
	})

	// TimeToMatch records the wait of the oldest party in each match.
	TimeToMatch = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_time_to_match_seconds",
		Help:    "Time from enqueue to match for the longest-waiting party",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ConnectionsTotal,
		ActiveChannels,
		MatchesFormed,
		QueueTimeouts,
		EventsDropped,
		TickDuration,
		MatchQuality,
		TimeToMatch,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
