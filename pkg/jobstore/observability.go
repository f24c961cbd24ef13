package jobstore

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_jobs_enqueued_total",
			Help: "Total number of jobs accepted into a queue",
		},
		[]string{"driver", "queue_id"},
	)

	jobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_jobs_claimed_total",
			Help: "Total number of jobs claimed for dispatch",
		},
		[]string{"driver", "queue_id"},
	)

	jobOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shove_job_outcomes_total",
			Help: "Total number of recorded job outcomes by resulting state",
		},
		[]string{"driver", "queue_id", "state"},
	)
)

func recordJobEnqueued(driver, queueID string) {
	jobsEnqueuedTotal.WithLabelValues(driver, metricLabel(queueID)).Inc()
}

func recordJobClaimed(driver, queueID string) {
	jobsClaimedTotal.WithLabelValues(driver, metricLabel(queueID)).Inc()
}

func recordJobOutcome(driver, queueID, state string) {
	jobOutcomesTotal.WithLabelValues(driver, metricLabel(queueID), metricLabel(state)).Inc()
}

func metricLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
