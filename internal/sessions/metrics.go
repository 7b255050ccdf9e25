package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_sessions_created_total",
		Help: "Total sessions registered",
	})

	gaugeSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Sessions currently in the registry",
	})

	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_phase_transitions_total",
		Help: "Session phase transitions",
	}, []string{"from", "to"})
)
