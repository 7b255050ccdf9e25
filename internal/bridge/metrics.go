package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_frames_in_total",
		Help: "Inbound client frames by route",
	}, []string{"route"})

	metricFramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_frames_out_total",
		Help: "Outbound client frames by type",
	}, []string{"type"})

	metricAudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_in_bytes_total",
		Help: "PCM bytes forwarded upstream",
	})

	metricAudioRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_rejected_total",
		Help: "Audio frames rejected because no upstream was connected",
	})

	metricUnrecognized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_control_unrecognized_total",
		Help: "Well-formed control frames with an unknown type",
	})

	metricUpstreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_upstream_events_total",
		Help: "Upstream events delivered to clients by kind",
	}, []string{"kind"})

	metricStaleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_upstream_stale_events_total",
		Help: "Upstream events discarded because their handle was superseded",
	})

	metricUpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_upstream_failures_total",
		Help: "Upstream failures by stage (dial, send, recv)",
	}, []string{"stage"})

	metricSessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_sessions_closed_total",
		Help: "Session teardowns by reason",
	}, []string{"reason"})

	metricSessionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Session lifetime from accept to teardown",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
