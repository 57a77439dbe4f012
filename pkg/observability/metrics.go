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
			Name: "journeykit_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journeykit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Journey metrics
	sessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_sessions_started_total",
			Help: "Total number of sessions started, by journey path",
		},
		[]string{"path"},
	)

	touchpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_touchpoints_total",
			Help: "Total number of touchpoints applied",
		},
		[]string{"type"},
	)

	stageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_stage_transitions_total",
			Help: "Total number of stage transitions",
		},
		[]string{"from", "to"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "journeykit_active_sessions",
			Help: "Number of sessions in non-terminal stages",
		},
	)

	// Decision metrics
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_decisions_total",
			Help: "Total number of personalization decisions",
		},
		[]string{"strategy", "outcome"},
	)

	decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "journeykit_decision_duration_seconds",
			Help:    "Decision call duration in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"kind"},
	)

	// Trigger metrics
	triggersEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_triggers_emitted_total",
			Help: "Total number of scarcity triggers emitted",
		},
		[]string{"type"},
	)

	triggersSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_triggers_suppressed_total",
			Help: "Total number of scarcity triggers suppressed",
		},
		[]string{"type", "reason"},
	)

	// Optimization / identity metrics
	optimizationsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_optimizations_applied_total",
			Help: "Total number of applied optimizations",
		},
		[]string{"opportunity"},
	)

	sessionsLinkedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_sessions_linked_total",
			Help: "Total number of cross-device link merges",
		},
		[]string{"method"},
	)

	// Error taxonomy. Every swallowed or degraded error increments this;
	// nothing is dropped without a count.
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journeykit_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			sessionsStartedTotal,
			touchpointsTotal,
			stageTransitionsTotal,
			activeSessions,
			decisionsTotal,
			decisionDuration,
			triggersEmittedTotal,
			triggersSuppressedTotal,
			optimizationsAppliedTotal,
			sessionsLinkedTotal,
			errorsTotal,
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

// RecordSessionStarted records a new session on a journey path
func RecordSessionStarted(path string) {
	sessionsStartedTotal.WithLabelValues(path).Inc()
}

// RecordTouchpoint records an applied touchpoint
func RecordTouchpoint(tpType string) {
	touchpointsTotal.WithLabelValues(tpType).Inc()
}

// RecordTransition records a stage transition
func RecordTransition(from, to string) {
	stageTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordDecision records a personalization decision outcome
func RecordDecision(strategy, outcome string, duration time.Duration) {
	decisionsTotal.WithLabelValues(strategy, outcome).Inc()
	decisionDuration.WithLabelValues("content").Observe(duration.Seconds())
}

// RecordTriggerEvaluation records the duration of a trigger evaluation
func RecordTriggerEvaluation(duration time.Duration) {
	decisionDuration.WithLabelValues("triggers").Observe(duration.Seconds())
}

// RecordTrigger records an emitted trigger
func RecordTrigger(triggerType string) {
	triggersEmittedTotal.WithLabelValues(triggerType).Inc()
}

// RecordTriggerSuppressed records a suppressed trigger
func RecordTriggerSuppressed(triggerType, reason string) {
	triggersSuppressedTotal.WithLabelValues(triggerType, reason).Inc()
}

// RecordOptimization records an applied optimization
func RecordOptimization(opportunity string) {
	optimizationsAppliedTotal.WithLabelValues(opportunity).Inc()
}

// RecordLink records a cross-device link merge
func RecordLink(method string) {
	sessionsLinkedTotal.WithLabelValues(method).Inc()
}

// CountError increments the error counter for a kind
func CountError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
