package audit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the audit trail.
type Metrics struct {
	EntriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers audit metrics.
//
// Uses sync.Once so repeated construction never double-registers.
//
// Metrics:
//   - audit_entries_total{kind,severity} - Count of recorded entries
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EntriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "audit_entries_total",
					Help: "Total number of audit entries recorded",
				},
				[]string{"kind", "severity"},
			),
		}
	})
	return globalMetrics
}

// ObserveEntry counts one recorded entry.
func (m *Metrics) ObserveEntry(entry Entry) {
	m.EntriesTotal.WithLabelValues(string(entry.Kind), string(entry.Severity)).Inc()
}
