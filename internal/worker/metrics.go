package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stackalign",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Correlation jobs by outcome (ok, failed, skipped).",
	}, []string{"outcome"})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stackalign",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall time of one correlation job.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	jobsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stackalign",
		Subsystem: "worker",
		Name:      "jobs_inflight",
		Help:      "Correlation jobs currently running.",
	})
)
