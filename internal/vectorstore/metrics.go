package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WritesTotal counts index writes.
	// Labels: op (upsert, remove), result (success, error)
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rosterd",
			Subsystem: "vectorstore",
			Name:      "writes_total",
			Help:      "Total number of index writes by operation and result",
		},
		[]string{"op", "result"},
	)

	// WriteDuration tracks how long index writes take.
	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rosterd",
			Subsystem: "vectorstore",
			Name:      "write_duration_seconds",
			Help:      "Duration of index writes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Entries is the entry count observed after the last write.
	Entries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rosterd",
			Subsystem: "vectorstore",
			Name:      "entries",
			Help:      "Number of entries in the vector index",
		},
	)
)
