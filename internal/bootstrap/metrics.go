package bootstrap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootprobe_bootstrap_attempts_total",
			Help: "Driver bootstrap rounds, by outcome",
		},
		[]string{"outcome"}, // installed, failed
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootprobe_bootstrap_failures_total",
			Help: "Failed bootstrap rounds, by failure kind",
		},
		[]string{"kind"},
	)

	parseStageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootprobe_probe_parse_stage_total",
			Help: "Probe outputs decided by each parser pass",
		},
		[]string{"stage"}, // structured, pattern
	)
)
