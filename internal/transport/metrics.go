package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizchain_transport_published_total",
		Help: "Events published, by channel and event type.",
	}, []string{"channel", "event"})

	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizchain_transport_delivered_total",
		Help: "Logically distinct events delivered to handlers.",
	}, []string{"event"})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizchain_transport_duplicates_total",
		Help: "Redundant channel deliveries dropped by the dedup table.",
	}, []string{"event"})

	channelErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quizchain_transport_channel_errors_total",
		Help: "Best-effort channel failures that were logged and swallowed.",
	}, []string{"channel"})

	startFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quizchain_transport_start_fallbacks_total",
		Help: "Times the started event was recovered by polling the ledger.",
	})
)
