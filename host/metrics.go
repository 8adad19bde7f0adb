package host

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the loader's Prometheus metrics.
type Metrics struct {
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	StartsTotal     *prometheus.CounterVec
	StartDuration   *prometheus.HistogramVec
	InstancesActive prometheus.Gauge
	FaultsTotal     *prometheus.CounterVec
	SnapshotBytes   prometheus.Histogram
}

// NewMetrics creates and registers the loader metrics with reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_calls_total",
				Help: "Total number of sandbox function calls",
			},
			[]string{"status"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_call_duration_seconds",
				Help:    "Sandbox call duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"status"},
		),
		StartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_starts_total",
				Help: "Total number of sandbox instance starts",
			},
			[]string{"origin", "status"},
		),
		StartDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_start_duration_seconds",
				Help:    "Sandbox instance start duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"origin"},
		),
		InstancesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandbox_instances_active",
				Help: "Number of live sandbox instances",
			},
		),
		FaultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_faults_total",
				Help: "Total number of instance faults",
			},
			[]string{"kind"},
		),
		SnapshotBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sandbox_snapshot_bytes",
				Help:    "Encoded snapshot blob size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
	}
}
