package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryWorkersAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_registry_workers_added_total",
			Help: "Total number of workers registered",
		},
		[]string{"queue_id"},
	)

	registryWorkersRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_registry_workers_removed_total",
			Help: "Total number of workers removed",
		},
		[]string{"queue_id"},
	)

	registryCacheMissTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_registry_cache_miss_total",
			Help: "Total number of registry cache misses",
		},
		[]string{"kind"},
	)
)

func recordWorkerAdded(queueID string) {
	registryWorkersAddedTotal.WithLabelValues(normalizeMetricLabel(queueID, "unknown")).Inc()
}

func recordWorkerRemoved(queueID string) {
	registryWorkersRemovedTotal.WithLabelValues(normalizeMetricLabel(queueID, "unknown")).Inc()
}

func recordRegistryCacheMiss(kind string) {
	registryCacheMissTotal.WithLabelValues(normalizeMetricLabel(kind, "unknown")).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
