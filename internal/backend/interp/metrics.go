package interp

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for run outcome.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeKilled    = "killed"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_runs_total",
			Help: "Total number of program runs executed, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	runFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_run_faults_total",
			Help: "Total number of runs that ended in a fault, by fault kind.",
		},
		[]string{"kind"},
	)

	runDispatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_run_dispatches",
			Help:    "Number of instruction dispatches charged to a run.",
			Buckets: prometheus.ExponentialBuckets(10, 10, 10),
		},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anvil_run_duration_seconds",
			Help:    "Wall-clock time from program parse to run completion, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_active_stream_sessions",
			Help: "Number of currently running stream-mode programs.",
		},
	)

	parseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anvil_parse_errors_total",
			Help: "Total number of submitted programs rejected by the parser.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runFaultsTotal)
	prometheus.MustRegister(runDispatches)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(parseErrorsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, mode := range SupportedModes {
		runsTotal.WithLabelValues(mode, outcomeCompleted)
		runsTotal.WithLabelValues(mode, outcomeFailed)
		runsTotal.WithLabelValues(mode, outcomeKilled)
	}
}
