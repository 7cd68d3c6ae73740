package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pastiche_jobs_submitted_total",
			Help: "Total number of jobs accepted and enqueued",
		},
	)

	SubmissionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastiche_submissions_rejected_total",
			Help: "Total number of rejected submissions",
		},
		[]string{"reason"}, // invalid, rate_limited, enqueue
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastiche_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"job_type", "state"}, // succeeded, failed, cancelled
	)

	CancelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastiche_cancel_requests_total",
			Help: "Total number of cancel requests by outcome",
		},
		[]string{"outcome"}, // revoked, terminated, tombstoned
	)

	ProgressEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pastiche_progress_events_total",
			Help: "Total number of progress events published",
		},
	)

	// Gauges
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pastiche_queue_length",
			Help: "Current number of queued jobs",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pastiche_running_jobs",
			Help: "Current number of jobs held by worker slots",
		},
	)

	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pastiche_relay_connections",
			Help: "Current number of open status WebSocket connections",
		},
	)

	// Buckets: 50ms doubling up to ~27 minutes
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastiche_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		},
		[]string{"job_type"},
	)
)

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
