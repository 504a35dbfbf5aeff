package cleaner

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricRunsTotal          = "cleaner_runs_total"
	MetricErrorsTotal        = "cleaner_errors_total"
	MetricChunksRemovedTotal = "cleaner_chunks_removed_total"
)

var CounterRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "stratum",
		Name:      MetricRunsTotal,
		Help:      "Cleaner passes started, by task.",
	},
	[]string{"task"},
)

var CounterErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "stratum",
		Name:      MetricErrorsTotal,
		Help:      "Cleaner passes that failed, by task.",
	},
	[]string{"task"},
)

var CounterChunksRemovedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "stratum",
		Name:      MetricChunksRemovedTotal,
		Help:      "Chunk files removed from chunk storage.",
	},
)

func init() {
	prometheus.MustRegister(CounterRunsTotal)
	prometheus.MustRegister(CounterErrorsTotal)
	prometheus.MustRegister(CounterChunksRemovedTotal)
}
