package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call lifecycle metrics
var (
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_started_total",
		Help: "Total number of call attempts seen by a coordinator",
	}, []string{"direction"})

	CallOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_outcome_total",
		Help: "Total number of calls by terminal outcome",
	}, []string{"outcome"})

	CallConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_connect_latency_seconds",
		Help:    "Time from call start to the first remote participant join",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Connected call duration in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_sessions_active",
		Help: "Number of calls between start and teardown",
	})

	SignalingWriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_write_errors_total",
		Help: "Total number of swallowed signaling write errors",
	}, []string{"operation"})

	MediaConnectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_media_connect_failures_total",
		Help: "Total number of media room join failures",
	}, []string{"kind"})

	DoubleDialYieldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_double_dial_yields_total",
		Help: "Total number of outgoing calls abandoned in favor of the peer's call",
	})

	ChatMessagesAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Total number of chat messages appended",
	}, []string{"type", "status"})

	ChatUploadsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_uploads_rejected_total",
		Help: "Total number of rejected chat attachments",
	}, []string{"reason"})
)
