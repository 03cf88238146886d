package rootexec

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootprobe_commands_total",
			Help: "Privileged commands executed, by result kind",
		},
		[]string{"result"}, // success, failure, timeout
	)

	commandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rootprobe_command_duration_seconds",
			Help:    "Wall time of privileged commands including session acquisition",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	sessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rootprobe_sessions_started_total",
			Help: "Privileged sessions built, by kind",
		},
		[]string{"kind"}, // default, custom
	)

	asyncInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rootprobe_async_commands_in_flight",
			Help: "Background commands submitted and not yet completed",
		},
	)
)
