package transaction

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricCommitsTotal      = "commits_total"
	MetricRecoveriesTotal   = "recoveries_total"
	MetricCommitWaitSeconds = "commit_wait_seconds"
	MetricCommitSeconds     = "commit_seconds"
)

var CounterCommitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "stratum",
		Name:      MetricCommitsTotal,
		Help:      "Commits applied successfully.",
	},
)

var CounterRecoveriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "stratum",
		Name:      MetricRecoveriesTotal,
		Help:      "Recovery passes completed.",
	},
)

var HistogramCommitWaitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "stratum",
		Name:      MetricCommitWaitSeconds,
		Help:      "Time spent waiting for the commit lock.",
	},
)

var HistogramCommitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "stratum",
		Name:      MetricCommitSeconds,
		Help:      "Time spent inside the commit lock.",
	},
)

func init() {
	prometheus.MustRegister(CounterCommitsTotal)
	prometheus.MustRegister(CounterRecoveriesTotal)
	prometheus.MustRegister(HistogramCommitWaitSeconds)
	prometheus.MustRegister(HistogramCommitSeconds)
}
