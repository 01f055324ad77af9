package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type exportMetrics struct {
	renders *prometheus.CounterVec
	rows    *prometheus.CounterVec
}

var (
	exportMetricsOnce sync.Once
	exportRegistry    *exportMetrics
)

// Exports returns the metrics registry tracking loan snapshot exports.
func Exports() *exportMetrics {
	exportMetricsOnce.Do(func() {
		exportRegistry = &exportMetrics{
			renders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "exports",
				Name:      "renders_total",
				Help:      "Count of snapshot exports segmented by format and outcome.",
			}, []string{"format", "outcome"}),
			rows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "requestbook",
				Subsystem: "exports",
				Name:      "rows_total",
				Help:      "Count of loan rows written to exports segmented by format.",
			}, []string{"format"}),
		}
		prometheus.MustRegister(exportRegistry.renders, exportRegistry.rows)
	})
	return exportRegistry
}

// RecordExport increments the export counters for the supplied format.
func (m *exportMetrics) RecordExport(format string, rows int, err error) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(format))
	if normalized == "" {
		normalized = "unknown"
	}
	if err != nil {
		m.renders.WithLabelValues(normalized, "error").Inc()
		return
	}
	m.renders.WithLabelValues(normalized, "success").Inc()
	m.rows.WithLabelValues(normalized).Add(float64(rows))
}
