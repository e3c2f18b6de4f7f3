package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	runs     *prometheus.CounterVec
	attempts *prometheus.CounterVec
	stages   *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dfir_runs_total",
			Help: "Finished pipeline runs by result (done or failure reason).",
		}, []string{"result"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dfir_extraction_attempts_total",
			Help: "Extraction attempts by outcome.",
		}, []string{"outcome"}),
		stages: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dfir_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dfir_runs_in_flight",
			Help: "Runs holding a concurrency slot.",
		}),
	}
}
