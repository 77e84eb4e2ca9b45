package approval

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the approval gate.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	PendingRequests    prometheus.Gauge
	ResolutionDuration prometheus.Histogram
}

// NewMetrics creates and registers gate metrics.
//
// Registration happens once per process; repeated calls return the same
// instance to avoid duplicate collector panics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "taod_approval_requests_total",
					Help: "Approval decisions by outcome",
				},
				[]string{"outcome"},
			),
			PendingRequests: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "taod_approval_pending_requests",
					Help: "Approval requests currently awaiting a decision",
				},
			),
			ResolutionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "taod_approval_resolution_duration_seconds",
					Help:    "Time from request creation to settlement",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
		}
	})
	return globalMetrics
}
