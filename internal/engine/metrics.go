package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the workflow engine.
type Metrics struct {
	ExecutionsTotal        *prometheus.CounterVec
	ActiveExecutions       prometheus.Gauge
	IterationsPerExecution prometheus.Histogram
	PhaseDuration          *prometheus.HistogramVec
}

// NewMetrics creates and registers engine metrics.
//
// Registration happens once per process; repeated calls return the same
// instance to avoid duplicate collector panics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "taod_engine_executions_total",
					Help: "Workflow executions by final status",
				},
				[]string{"status"},
			),
			ActiveExecutions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "taod_engine_active_executions",
					Help: "Executions currently in flight",
				},
			),
			IterationsPerExecution: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "taod_engine_iterations_per_execution",
					Help:    "TAO iterations performed per execution",
					Buckets: prometheus.LinearBuckets(1, 1, 10),
				},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "taod_engine_phase_duration_seconds",
					Help:    "Duration of individual strategy phases",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
				},
				[]string{"phase"},
			),
		}
	})
	return globalMetrics
}
