package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts pipeline runs.
	// Labels: outcome (indexed, unchanged, removed, failed)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rosterd",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of entity pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// FailuresTotal counts failed runs.
	// Labels: reason (missing_profile, partial_fetch, embedding_unavailable,
	// malformed_record, index_write, other)
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rosterd",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Total number of failed entity pipeline runs by reason",
		},
		[]string{"reason"},
	)

	// IgnoredTotal counts changes for records that belong to no entity.
	IgnoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rosterd",
			Subsystem: "sync",
			Name:      "ignored_changes_total",
			Help:      "Total number of changes for records outside any entity",
		},
	)

	// RunDuration tracks how long a pipeline run takes.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rosterd",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of entity pipeline runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ActiveLanes is the number of entities with queued or running work.
	ActiveLanes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rosterd",
			Subsystem: "sync",
			Name:      "active_lanes",
			Help:      "Number of entities with queued or running pipeline runs",
		},
	)
)
