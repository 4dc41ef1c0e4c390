package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the dispatch protocol.
type Metrics struct {
	Polls         prometheus.Counter
	JobsCreated   prometheus.Counter
	Results       *prometheus.CounterVec
	WriteFailures prometheus.Counter
	ParseErrors   prometheus.Counter
	JobDuration   prometheus.Histogram
}

// NewMetrics registers dispatch metrics with reg. A nil registerer yields
// unregistered (test-friendly) collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Polls: factory.NewCounter(prometheus.CounterOpts{
			Name: "daebug_polls_total",
			Help: "Poll requests received from pages.",
		}),
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "daebug_jobs_created_total",
			Help: "Jobs created from log requests.",
		}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "daebug_results_total",
			Help: "Execution results posted by pages.",
		}, []string{"ok"}),
		WriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "daebug_write_failures_total",
			Help: "Failed reply writes to page logs.",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "daebug_parse_errors_total",
			Help: "Malformed page logs encountered during rescans.",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "daebug_job_duration_seconds",
			Help:    "Wall time from job creation to posted result.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
