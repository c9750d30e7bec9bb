package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes the Prometheus collectors this domain exposes: wake
// decisions, outbox delivery attempts, DAG step execution, and the HTTP
// surface those are reached through.
type Metrics struct {
	// WakeDecisions counts orchestrator dispatch outcomes.
	// Labels: mode (passive|active), outcome (dispatched|coalesced|suppressed)
	WakeDecisions *prometheus.CounterVec

	// OutboxAttempts counts delivery attempts by channel and outcome.
	// Labels: channel, outcome (delivered|retry|dead_letter)
	OutboxAttempts *prometheus.CounterVec

	// OutboxAttemptDuration measures delivery attempt latency in seconds.
	// Labels: channel
	OutboxAttemptDuration *prometheus.HistogramVec

	// DAGSteps counts DAG runner step executions by outcome.
	// Labels: outcome (ok|error|interrupted)
	DAGSteps *prometheus.CounterVec

	// DAGStepDuration measures DAG step execution latency in seconds.
	DAGStepDuration prometheus.Histogram

	// HTTPRequests counts HTTP API requests.
	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency in seconds.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics bound to reg. Passing prometheus.NewRegistry()
// keeps collectors scoped to one process (tests can build disposable
// registries); passing nil registers against the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WakeDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mu_wake_decisions_total",
				Help: "Total wake orchestrator dispatch decisions by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		OutboxAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mu_outbox_attempts_total",
				Help: "Total outbox delivery attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		OutboxAttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mu_outbox_attempt_duration_seconds",
				Help:    "Outbox delivery attempt latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"channel"},
		),
		DAGSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mu_dag_steps_total",
				Help: "Total DAG runner steps executed by outcome",
			},
			[]string{"outcome"},
		),
		DAGStepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mu_dag_step_duration_seconds",
				Help:    "DAG runner step execution latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mu_http_requests_total",
				Help: "Total HTTP API requests by method, route, and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mu_http_request_duration_seconds",
				Help:    "HTTP API request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// RecordWakeDecision increments the wake decision counter. Safe to call on a
// nil *Metrics (components treat metrics as optional).
func (m *Metrics) RecordWakeDecision(mode, outcome string) {
	if m == nil {
		return
	}
	m.WakeDecisions.WithLabelValues(mode, outcome).Inc()
}

// RecordOutboxAttempt records an outbox delivery attempt's outcome and
// latency.
func (m *Metrics) RecordOutboxAttempt(channel, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.OutboxAttempts.WithLabelValues(channel, outcome).Inc()
	m.OutboxAttemptDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordDAGStep records a DAG step's outcome and latency.
func (m *Metrics) RecordDAGStep(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DAGSteps.WithLabelValues(outcome).Inc()
	m.DAGStepDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP API request's status and latency.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
