package recurrence

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var occurrencesSpawnedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shove_recurrence_occurrences_spawned_total",
		Help: "Total number of jobs spawned from recurring definitions",
	},
	[]string{"queue_id"},
)

func recordOccurrenceSpawned(queueID string) {
	trimmed := strings.TrimSpace(queueID)
	if trimmed == "" {
		trimmed = "unknown"
	}
	occurrencesSpawnedTotal.WithLabelValues(trimmed).Inc()
}
