package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	TasksTotal        *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	GenerationCalls   *prometheus.CounterVec
	GenerationDenials *prometheus.CounterVec
}

// NewMetrics creates and registers pipeline metrics.
//
// Uses sync.Once so repeated construction never double-registers.
//
// Metrics:
//   - pipeline_tasks_total{status} - Tasks by terminal status
//   - pipeline_stage_duration_seconds{role} - Per-stage wall time
//   - generation_calls_total{role} - Authorized external calls
//   - generation_denials_total{role} - Denied call attempts
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pipeline_tasks_total",
					Help: "Total pipeline tasks by terminal status",
				},
				[]string{"status"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pipeline_stage_duration_seconds",
					Help:    "Wall time per pipeline stage",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"role"},
			),
			GenerationCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_calls_total",
					Help: "Total authorized external generation calls",
				},
				[]string{"role"},
			),
			GenerationDenials: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "generation_denials_total",
					Help: "Total denied external generation call attempts",
				},
				[]string{"role"},
			),
		}
	})
	return globalMetrics
}

// ObserveTask counts one task reaching a terminal status.
func (m *Metrics) ObserveTask(status string) {
	m.TasksTotal.WithLabelValues(status).Inc()
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(role string, d time.Duration) {
	m.StageDuration.WithLabelValues(role).Observe(d.Seconds())
}

// ObserveCall counts one authorized generation call.
func (m *Metrics) ObserveCall(role string) {
	m.GenerationCalls.WithLabelValues(role).Inc()
}

// ObserveDenial counts one denied call attempt.
func (m *Metrics) ObserveDenial(role string) {
	m.GenerationDenials.WithLabelValues(role).Inc()
}
