package changefeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts feed events.
	// Labels: result (dispatched, malformed)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rosterd",
			Subsystem: "changefeed",
			Name:      "events_total",
			Help:      "Total number of change feed events by result",
		},
		[]string{"result"},
	)

	// ReconnectsTotal counts transitions out of Streaming or failed connects.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rosterd",
			Subsystem: "changefeed",
			Name:      "reconnects_total",
			Help:      "Total number of change feed reconnect attempts",
		},
	)

	// ConsumerState is the current consumer state (0=disconnected,
	// 1=connecting, 2=streaming, 3=stopped).
	ConsumerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rosterd",
			Subsystem: "changefeed",
			Name:      "state",
			Help:      "Current consumer state (0=disconnected, 1=connecting, 2=streaming, 3=stopped)",
		},
	)
)
