package voicews

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_ws_connections_total",
		Help: "Voice websocket upgrade attempts by result",
	}, []string{"result"})

	gaugeOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_ws_open_connections",
		Help: "Currently open voice websocket connections",
	})
)
