package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	admitted     *prometheus.CounterVec
	released     *prometheus.CounterVec
	passFailures *prometheus.CounterVec
	tickDuration prometheus.Histogram
	full         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		admitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "animus_admission_admitted_total",
				Help: "Runs admitted per scope (controller, pipeline, queue).",
			},
			[]string{"scope"},
		),
		released: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "animus_admission_released_total",
				Help: "Runs handled by the housekeeping passes.",
			},
			[]string{"pass"},
		),
		passFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "animus_admission_pass_failures_total",
				Help: "Admission passes that returned an error.",
			},
			[]string{"pass"},
		),
		tickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "animus_admission_tick_duration_seconds",
				Help:    "Duration of a full admission tick.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		full: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "animus_admission_full",
				Help: "1 when the last tick left admissible work behind a zero budget.",
			},
		),
	}
}
