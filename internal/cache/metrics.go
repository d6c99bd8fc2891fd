package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stackalign",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Result cache lookups by outcome (hit, miss).",
}, []string{"outcome"})
