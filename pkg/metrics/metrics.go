// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apns_notifications_sent_total",
		Help: "The total number of notification frames written to the gateway",
	})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apns_notifications_failed_total",
		Help: "The total number of permanent delivery failures by status",
	}, []string{"status"})

	NotificationsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apns_notifications_replayed_total",
		Help: "The total number of notifications re-queued after a connection error",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apns_reconnects_total",
		Help: "The total number of gateway dial attempts after a previous connection ended",
	})

	FeedbackTuples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apns_feedback_tuples_total",
		Help: "The total number of stale-device records read from the feedback service",
	})

	// Gauges
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apns_queue_depth",
		Help: "The number of notifications waiting in the queue",
	})

	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apns_connected_workers",
		Help: "The number of workers with a live gateway connection",
	})
)

// IncFailed increments the permanent-failure counter for a status.
func IncFailed(status string) {
	NotificationsFailed.WithLabelValues(status).Inc()
}

// AddReplayed records a replay batch.
func AddReplayed(n int) {
	NotificationsReplayed.Add(float64(n))
}

// SetQueueDepth sets the queue depth gauge.
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}
