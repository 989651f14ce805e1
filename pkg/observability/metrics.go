package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotient_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Fallback resolver metrics
	fallbackAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_fallback_attempts_total",
			Help: "Total number of fallback strategy attempts",
		},
		[]string{"vertical", "strategy", "outcome"},
	)

	fallbackResolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotient_fallback_resolution_duration_seconds",
			Help:    "Fallback cascade resolution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"vertical"},
	)

	// Session metrics
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"agent_type", "from", "to"},
	)

	quotesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_quotes_ingested_total",
			Help: "Total number of vendor quotes ingested",
		},
		[]string{"agent_type", "vendor_type"},
	)

	slaBreachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotient_sla_breaches_total",
			Help: "Total number of observed SLA deadline breaches",
		},
		[]string{"agent_type"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotient_active_sessions",
			Help: "Number of sessions in a non-terminal state",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			fallbackAttemptsTotal,
			fallbackResolutionDuration,
			sessionTransitionsTotal,
			quotesIngestedTotal,
			slaBreachesTotal,
			activeSessions,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordFallbackAttempt records a single fallback strategy attempt
func RecordFallbackAttempt(vertical, strategy, outcome string) {
	fallbackAttemptsTotal.WithLabelValues(vertical, strategy, outcome).Inc()
}

// RecordFallbackResolution records how long a full cascade took
func RecordFallbackResolution(vertical string, duration time.Duration) {
	fallbackResolutionDuration.WithLabelValues(vertical).Observe(duration.Seconds())
}

// RecordSessionTransition records a session state transition
func RecordSessionTransition(agentType, from, to string) {
	sessionTransitionsTotal.WithLabelValues(agentType, from, to).Inc()
}

// RecordQuoteIngested records a vendor quote ingestion
func RecordQuoteIngested(agentType, vendorType string) {
	quotesIngestedTotal.WithLabelValues(agentType, vendorType).Inc()
}

// RecordSLABreach records an observed deadline breach
func RecordSLABreach(agentType string) {
	slaBreachesTotal.WithLabelValues(agentType).Inc()
}

// SetActiveSessions sets the non-terminal session gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
