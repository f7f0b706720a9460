package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for PromptGate. A nil *Metrics
// is a valid no-op collector, so callers never need to guard.
type Metrics struct {
	config MetricsConfig

	// Evaluation metrics
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	earlyExitsTotal    prometheus.Counter

	// Per-policy metrics
	policyEvaluationsTotal *prometheus.CounterVec
	policyDuration         *prometheus.HistogramVec
	violationsTotal        *prometheus.CounterVec

	// Proxy metrics
	proxyRequestsTotal *prometheus.CounterVec
	proxyDuration      *prometheus.HistogramVec
	guardDecisions     *prometheus.CounterVec

	// Scorer metrics
	scorerCalls    *prometheus.CounterVec
	scorerDuration *prometheus.HistogramVec
	scorerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeEvaluations prometheus.Gauge
	policiesLoaded    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of evaluation requests processed",
			},
			[]string{"status"},
		),
		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "End-to-end duration of evaluation requests in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		earlyExitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "early_exits_total",
				Help:      "Total number of evaluations short-circuited by a fast-tier block",
			},
		),

		policyEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of individual policy evaluations",
			},
			[]string{"type", "status"},
		),
		policyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "policy_evaluation_duration_seconds",
				Help:      "Duration of individual policy evaluations in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Total number of policy violations detected",
			},
			[]string{"type", "action"},
		),

		proxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Total number of guarded proxy requests",
			},
			[]string{"route", "status"},
		),
		proxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_request_duration_seconds",
				Help:      "Duration of guarded proxy requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),
		guardDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_decisions_total",
				Help:      "Total number of guard decisions by stage and outcome",
			},
			[]string{"stage", "decision"},
		),

		scorerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scorer_calls_total",
				Help:      "Total number of scorer backend calls",
			},
			[]string{"scorer", "operation"},
		),
		scorerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scorer_call_duration_seconds",
				Help:      "Duration of scorer backend calls in seconds",
				Buckets:   buckets,
			},
			[]string{"scorer", "operation"},
		),
		scorerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scorer_errors_total",
				Help:      "Total number of scorer backend errors",
			},
			[]string{"scorer", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeEvaluations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_evaluations",
				Help:      "Current number of in-flight evaluations",
			},
		),
		policiesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "policies_loaded",
				Help:      "Current number of policies in the store",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.earlyExitsTotal,
		m.policyEvaluationsTotal,
		m.policyDuration,
		m.violationsTotal,
		m.proxyRequestsTotal,
		m.proxyDuration,
		m.guardDecisions,
		m.scorerCalls,
		m.scorerDuration,
		m.scorerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.activeEvaluations,
		m.policiesLoaded,
	)

	return m, nil
}

// Evaluation Metrics

// RecordEvaluation records a completed evaluation request.
func (m *Metrics) RecordEvaluation(status string, duration time.Duration) {
	if m == nil || m.evaluationsTotal == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(status).Inc()
	m.evaluationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEarlyExit records an evaluation short-circuited by the fast tier.
func (m *Metrics) RecordEarlyExit() {
	if m == nil || m.earlyExitsTotal == nil {
		return
	}
	m.earlyExitsTotal.Inc()
}

// RecordPolicyEvaluation records one policy evaluation by type and status.
func (m *Metrics) RecordPolicyEvaluation(policyType, status string, duration time.Duration) {
	if m == nil || m.policyEvaluationsTotal == nil {
		return
	}
	m.policyEvaluationsTotal.WithLabelValues(policyType, status).Inc()
	if duration > 0 {
		m.policyDuration.WithLabelValues(policyType).Observe(duration.Seconds())
	}
}

// RecordViolation records a detected policy violation.
func (m *Metrics) RecordViolation(policyType, action string) {
	if m == nil || m.violationsTotal == nil {
		return
	}
	m.violationsTotal.WithLabelValues(policyType, action).Inc()
}

// Proxy Metrics

// RecordProxyRequest records a guarded proxy request.
func (m *Metrics) RecordProxyRequest(route, status string, duration time.Duration) {
	if m == nil || m.proxyRequestsTotal == nil {
		return
	}
	m.proxyRequestsTotal.WithLabelValues(route, status).Inc()
	m.proxyDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordGuardDecision records a guard decision for a proxy stage
// (request or response).
func (m *Metrics) RecordGuardDecision(stage, decision string) {
	if m == nil || m.guardDecisions == nil {
		return
	}
	m.guardDecisions.WithLabelValues(stage, decision).Inc()
}

// Scorer Metrics

// RecordScorerCall records a scorer backend call with its duration.
func (m *Metrics) RecordScorerCall(scorer, operation string, duration time.Duration) {
	if m == nil || m.scorerCalls == nil {
		return
	}
	m.scorerCalls.WithLabelValues(scorer, operation).Inc()
	m.scorerDuration.WithLabelValues(scorer, operation).Observe(duration.Seconds())
}

// RecordScorerError records a scorer backend error.
func (m *Metrics) RecordScorerError(scorer, operation string) {
	if m == nil || m.scorerErrors == nil {
		return
	}
	m.scorerErrors.WithLabelValues(scorer, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveEvaluations sets the current number of in-flight evaluations.
func (m *Metrics) SetActiveEvaluations(count float64) {
	if m == nil || m.activeEvaluations == nil {
		return
	}
	m.activeEvaluations.Set(count)
}

// SetPoliciesLoaded sets the current number of policies in the store.
func (m *Metrics) SetPoliciesLoaded(count float64) {
	if m == nil || m.policiesLoaded == nil {
		return
	}
	m.policiesLoaded.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
