package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_orders_created_total",
		Help: "Orders created by buyers.",
	})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_order_transitions_total",
		Help: "Committed order status transitions.",
	}, []string{"from", "to"})

	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_broadcast_offers_total",
		Help: "Offers fanned out to candidates.",
	}, []string{"kind"})

	Responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_broadcast_responses_total",
		Help: "Candidate responses by outcome.",
	}, []string{"kind", "outcome"})

	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_notification_failures_total",
		Help: "Notification sends that failed and were queued for retry.",
	})

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketplace_notifications_dropped_total",
		Help: "Notifications abandoned after the last retry attempt.",
	})

	NotificationBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_notification_retry_backlog",
		Help: "Notifications waiting in the retry queue after the last flush.",
	})

	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketplace_notification_send_seconds",
		Help:    "WhatsApp gateway send latency in seconds.",
		Buckets: prometheus.LinearBuckets(0.05, 0.05, 20),
	})
)

var once sync.Once

// InitMetrics registers every collector with the default registry. Calling it
// more than once is harmless.
func InitMetrics() {
	once.Do(func() {
		prometheus.MustRegister(OrdersCreated)
		prometheus.MustRegister(Transitions)
		prometheus.MustRegister(Broadcasts)
		prometheus.MustRegister(Responses)
		prometheus.MustRegister(NotificationFailures)
		prometheus.MustRegister(NotificationsDropped)
		prometheus.MustRegister(NotificationBacklog)
		prometheus.MustRegister(SendLatency)
	})
}
