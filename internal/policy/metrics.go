package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weaver_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"mode"},
	)

	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_policy_cache_hits_total",
			Help: "Policy decision cache hits",
		},
		[]string{"mode"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weaver_policy_cache_misses_total",
			Help: "Policy decision cache misses",
		},
		[]string{"mode"},
	)

	dryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "weaver_policy_dry_run_denials_total",
			Help: "Denials that dry-run mode converted to allows",
		},
	)
)
