package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulkimport"

var JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "jobs_processed_total",
	Help:      "Count of executed queue jobs by kind and outcome",
}, []string{"kind", "outcome"})

var JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "queue",
	Name:      "job_duration_seconds",
	Help:      "Duration of executed queue jobs by kind",
	Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
}, []string{"kind"})

var StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "state",
	Name:      "transitions_total",
	Help:      "Count of status transitions by record kind, event and result",
}, []string{"record", "event", "result"})

var FailuresRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "failures_total",
	Help:      "Count of failure ledger rows by exception class",
}, []string{"exception_class"})

var StaleReaped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reaper",
	Name:      "reaped_total",
	Help:      "Count of records forced to timeout by the stale reaper",
}, []string{"scope"})

var CapDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "batches",
	Name:      "cap_deferrals_total",
	Help:      "Count of batch runs rescheduled because the concurrency cap was reached",
}, []string{"side"})
