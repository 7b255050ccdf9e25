package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_dials_total",
		Help: "Upstream establishment attempts by result",
	}, []string{"result"})

	metricDialRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upstream_dial_retries_total",
		Help: "Upstream dial attempts retried after a failure",
	})

	metricDialMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "upstream_dial_ms",
		Help:    "Time to establish an upstream session (ms)",
		Buckets: prometheus.ExponentialBuckets(50, 1.8, 10),
	})

	metricGeminiMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_gemini_messages_total",
		Help: "Gemini Live server messages by content",
	}, []string{"kind"})
)
