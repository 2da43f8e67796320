package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels aggregations that produced estimates.
	OutcomeSuccess = "success"
	// OutcomeError labels aggregations that failed outright.
	OutcomeError = "error"
	// OutcomeDegraded labels aggregations served from a partial source set.
	OutcomeDegraded = "degraded"
)

var (
	aggregationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epiwatch",
			Name:      "aggregations_total",
			Help:      "Total number of aggregation requests handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	aggregationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "epiwatch",
			Name:      "aggregation_seconds",
			Help:      "Aggregation latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	sourceCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epiwatch",
			Name:      "source_calls_total",
			Help:      "External source fetches, partitioned by source and status.",
		},
		[]string{"source", "status"},
	)

	breakerOpenFraction = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epiwatch",
			Name:      "breaker_open_fraction",
			Help:      "Fraction of tracked sources whose circuit breaker is open.",
		},
	)

	fusionQuality = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "epiwatch",
			Name:      "fusion_quality",
			Help:      "Quality score distribution of emitted fused estimates.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	alertsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epiwatch",
			Name:      "alerts_emitted_total",
			Help:      "Outbreak alerts emitted, partitioned by severity.",
		},
		[]string{"severity"},
	)
)

// Register attaches epiwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		aggregationsTotal,
		aggregationDurationSeconds,
		sourceCallsTotal,
		breakerOpenFraction,
		fusionQuality,
		alertsEmittedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAggregation records an aggregation duration and outcome label.
func ObserveAggregation(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomeDegraded:
	default:
		outcome = OutcomeSuccess
	}
	aggregationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	aggregationDurationSeconds.Observe(duration.Seconds())
}

// ObserveSourceCall counts one fetch attempt against a source.
func ObserveSourceCall(sourceID, status string) {
	sourceCallsTotal.WithLabelValues(sourceID, status).Inc()
}

// SetBreakerOpenFraction publishes the aggregate breaker health.
func SetBreakerOpenFraction(fraction float64) {
	breakerOpenFraction.Set(fraction)
}

// ObserveFusionQuality records the quality score of one fused estimate.
func ObserveFusionQuality(quality float64) {
	fusionQuality.Observe(quality)
}

// ObserveAlert counts one emitted outbreak alert.
func ObserveAlert(severity string) {
	alertsEmittedTotal.WithLabelValues(severity).Inc()
}
