package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the scheduler, the work queue and running operations.

var (
	// Work queue
	JobsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plus_scheduler_jobs_started_total",
			Help: "Total number of jobs taken from the queue",
		},
		[]string{"operation"},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plus_scheduler_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"operation", "state"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plus_scheduler_job_duration_seconds",
			Help:    "Wall clock duration of finished jobs",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"operation"},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_queue_length",
			Help: "Jobs waiting in the queue, excluding the running one",
		},
	)

	WorkerPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_worker_paused",
			Help: "1 when the worker is paused",
		},
	)

	// Scheduler
	ScheduledRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_schedules",
			Help: "Schedules with a valid next run",
		},
	)

	NextScheduledRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_next_run_timestamp_seconds",
			Help: "Unix time of the earliest upcoming scheduled run, 0 when none",
		},
	)

	// Running operation
	OperationProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_operation_progress_ratio",
			Help: "Overall progress of the running operation",
		},
	)

	OperationSpeed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_operation_speed_bytes",
			Help: "Transfer speed reported by the running operation",
		},
	)

	// Event bus
	LastEventID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plus_scheduler_last_event_id",
			Help: "Most recent event id handed to pollers",
		},
	)

	// Errors and housekeeping
	ReportedErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plus_scheduler_reported_errors_total",
			Help: "Errors passed to the usage reporter",
		},
	)

	HousekeepingPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plus_scheduler_housekeeping_purged_total",
			Help: "Records removed by housekeeping",
		},
		[]string{"kind"},
	)
)
