package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Diagnostic service metrics for production monitoring
var (
	// Turn metrics
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_turns_total",
			Help: "Total number of conversational turns handled",
		},
		[]string{"stage", "status"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydrodiag_turn_duration_seconds",
			Help:    "Turn handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
	)

	SessionsReset = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hydrodiag_sessions_reset_total",
			Help: "Total number of explicit session resets",
		},
	)

	TopBeliefScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydrodiag_top_belief_score",
			Help:    "Top belief score at the end of each turn",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	FixesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_fixes_total",
			Help: "Proposed fixes by verdict",
		},
		[]string{"verdict"}, // proposed, confirmed, rejected
	)

	// External calls (hypothesis generation, artifact analysis)
	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_external_calls_total",
			Help: "Total number of external model calls",
		},
		[]string{"service", "result"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydrodiag_external_call_duration_seconds",
			Help:    "External model call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"service"},
	)

	// Session store metrics
	SessionStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_session_store_operations_total",
			Help: "Session store operations by backend and result",
		},
		[]string{"backend", "op", "result"},
	)

	SessionsHealed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hydrodiag_sessions_healed_total",
			Help: "Malformed session records replaced with defaults",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydrodiag_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hydrodiag_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Uploads
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_uploads_total",
			Help: "Artifact uploads by result",
		},
		[]string{"result"},
	)

	// Events
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydrodiag_events_published_total",
			Help: "Domain events published by subject and result",
		},
		[]string{"subject", "result"},
	)

	// WebSocket connections
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hydrodiag_websocket_connections",
			Help: "Current number of WebSocket connections",
		},
	)
)
