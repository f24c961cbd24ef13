package dispatcher

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_deliveries_total",
			Help: "Total number of delivery attempts by result",
		},
		[]string{"queue_id", "result"},
	)

	deliveriesSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_deliveries_suppressed_total",
			Help: "Total number of deliveries suppressed by an open circuit breaker",
		},
		[]string{"queue_id"},
	)

	deliveryLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shove_delivery_latency_seconds",
			Help:    "Latency of worker HTTP deliveries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue_id"},
	)
)

func recordDelivery(queueID, result string) {
	deliveriesTotal.WithLabelValues(deliveryLabel(queueID), deliveryLabel(result)).Inc()
}

func recordDeliverySuppressed(queueID string) {
	deliveriesSuppressedTotal.WithLabelValues(deliveryLabel(queueID)).Inc()
}

func observeDeliveryLatency(queueID string, latency time.Duration) {
	deliveryLatencySeconds.WithLabelValues(deliveryLabel(queueID)).Observe(latency.Seconds())
}

func deliveryLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
