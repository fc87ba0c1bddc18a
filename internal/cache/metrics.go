package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the cache.
type Metrics struct {
	HitsTotal      prometheus.Counter
	MissesTotal    prometheus.Counter
	EvictionsTotal prometheus.Counter
	Size           prometheus.Gauge
}

// NewMetrics creates and registers cache metrics.
//
// Uses sync.Once so repeated construction never double-registers.
//
// Metrics:
//   - cache_hits_total - Count of cache hits
//   - cache_misses_total - Count of cache misses (including bypass)
//   - cache_evictions_total - Count of LRU evictions
//   - cache_size - Current number of entries
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			}),
			MissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			}),
			EvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total number of LRU evictions",
			}),
			Size: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "cache_size",
				Help: "Current number of cache entries",
			}),
		}
	})
	return globalMetrics
}

// Hit counts a cache hit.
func (m *Metrics) Hit() { m.HitsTotal.Inc() }

// Miss counts a cache miss.
func (m *Metrics) Miss() { m.MissesTotal.Inc() }

// Eviction counts an LRU eviction.
func (m *Metrics) Eviction() { m.EvictionsTotal.Inc() }

// SetSize records the current entry count.
func (m *Metrics) SetSize(n int) { m.Size.Set(float64(n)) }
