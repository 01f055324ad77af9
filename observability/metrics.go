package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	reconcileMetricsOnce sync.Once
	reconcileRegistry    *ReconcileMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity segmented by route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "requestbook",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" or
// "limiter_error" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// PassStats summarises one reconciliation pass.
type PassStats struct {
	Scope     string
	Scanned   uint64
	Visible   int
	Skipped   int
	Malformed int
	Cancelled int
	Fallbacks int
	Duration  time.Duration
	Err       error
}

// ReconcileMetrics captures reconciliation passes and the ledger reads they
// issue.
type ReconcileMetrics struct {
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	ids          *prometheus.CounterVec
	reads        *prometheus.CounterVec
	readLatency  *prometheus.HistogramVec
	retries      *prometheus.CounterVec
}

// Reconcile returns the singleton metrics registry for the reconciler.
func Reconcile() *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileRegistry = &ReconcileMetrics{
			passes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "reconcile",
				Name:      "passes_total",
				Help:      "Count of reconciliation passes segmented by scope and outcome.",
			}, []string{"scope", "outcome"}),
			passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "requestbook",
				Subsystem: "reconcile",
				Name:      "pass_duration_seconds",
				Help:      "Latency distribution for reconciliation passes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"scope"}),
			ids: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "reconcile",
				Name:      "ids_total",
				Help:      "Count of scanned request ids segmented by disposition.",
			}, []string{"scope", "disposition"}),
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "ledger",
				Name:      "reads_total",
				Help:      "Count of ledger reads segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			readLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "requestbook",
				Subsystem: "ledger",
				Name:      "read_duration_seconds",
				Help:      "Latency distribution for ledger reads including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "ledger",
				Name:      "retries_total",
				Help:      "Count of ledger read retries segmented by method.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			reconcileRegistry.passes,
			reconcileRegistry.passDuration,
			reconcileRegistry.ids,
			reconcileRegistry.reads,
			reconcileRegistry.readLatency,
			reconcileRegistry.retries,
		)
	})
	return reconcileRegistry
}

// ObservePass records the outcome of a reconciliation pass.
func (m *ReconcileMetrics) ObservePass(stats PassStats) {
	if m == nil {
		return
	}
	scope := labelOrUnknown(stats.Scope)
	outcome := "success"
	if stats.Err != nil {
		outcome = "error"
	} else if stats.Skipped > 0 {
		outcome = "partial"
	}
	m.passes.WithLabelValues(scope, outcome).Inc()
	m.passDuration.WithLabelValues(scope).Observe(stats.Duration.Seconds())
	if stats.Err != nil {
		return
	}
	m.ids.WithLabelValues(scope, "visible").Add(float64(stats.Visible))
	m.ids.WithLabelValues(scope, "skipped").Add(float64(stats.Skipped))
	m.ids.WithLabelValues(scope, "malformed").Add(float64(stats.Malformed))
	m.ids.WithLabelValues(scope, "cancelled").Add(float64(stats.Cancelled))
	m.ids.WithLabelValues(scope, "cancellation_fallback").Add(float64(stats.Fallbacks))
}

// ObserveRead records one logical ledger read. Attempts beyond the first are
// counted as retries.
func (m *ReconcileMetrics) ObserveRead(method, outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	method = labelOrUnknown(method)
	m.reads.WithLabelValues(method, labelOrUnknown(outcome)).Inc()
	m.readLatency.WithLabelValues(method).Observe(duration.Seconds())
	if attempts > 1 {
		m.retries.WithLabelValues(method).Add(float64(attempts - 1))
	}
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
