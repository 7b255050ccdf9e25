package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_events_recorded_total",
		Help: "Journal events recorded by type",
	}, []string{"type"})

	metricSinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_events_sink_writes_total",
		Help: "Sink writes by sink and result",
	}, []string{"sink", "result"})

	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_events_dropped_total",
		Help: "Events not forwarded because the sink queue was full",
	})

	metricEventsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_events_sessions_evicted_total",
		Help: "Closed session histories evicted from memory",
	})
)
