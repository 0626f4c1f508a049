package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records websocket authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typerush_auth_attempts_total",
			Help: "Total number of websocket authentication attempts",
		},
		[]string{"result"},
	)

	// ActiveConnections tracks currently registered websocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "typerush_active_connections",
			Help: "Number of registered websocket connections",
		},
	)

	// ActiveTests tracks typing test sessions that are not yet terminal.
	ActiveTests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "typerush_active_tests",
			Help: "Number of live typing test sessions",
		},
	)

	// ActiveRaces tracks races that are not yet terminal.
	ActiveRaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "typerush_active_races",
			Help: "Number of live races",
		},
	)

	// Keystrokes counts accepted keystroke events by correctness (correct|incorrect).
	Keystrokes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typerush_keystrokes_total",
			Help: "Total accepted keystroke events",
		},
		[]string{"result"},
	)

	// RateLimitDenials counts rate governor denials by event class.
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "typerush_rate_limit_denials_total",
			Help: "Total rate limited events",
		},
		[]string{"class"},
	)

	// BroadcastDrops counts messages dropped due to subscriber backpressure.
	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "typerush_broadcast_drops_total",
			Help: "Total broadcast messages dropped for slow consumers",
		},
	)

	// SlowConsumerCloses counts connections closed for sustained backpressure.
	SlowConsumerCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "typerush_slow_consumer_closes_total",
			Help: "Total connections closed as slow consumers",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "typerush_api_latency_seconds",
			Help:    "HTTP endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// SinkFailures counts result sink deliveries dropped after retry exhaustion.
	SinkFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "typerush_result_sink_failures_total",
			Help: "Total results dropped after sink retries were exhausted",
		},
	)
)
