package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsengine_runs_total",
			Help: "Total number of finished runs.",
		},
		[]string{"kind", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsengine_run_duration_seconds",
			Help:    "Run duration in seconds, timers included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	outputLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsengine_output_lines_total",
			Help: "Console lines produced by scripts.",
		},
		[]string{"stream"},
	)

	environments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jsengine_environments",
			Help: "Live script environments.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(outputLinesTotal)
	prometheus.MustRegister(environments)
}
