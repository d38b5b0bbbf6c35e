package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamenco_worker_tasks_started_total",
			Help: "Total number of tasks started",
		},
		[]string{"job_type", "task_type"},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamenco_worker_tasks_finished_total",
			Help: "Total number of tasks finished, by final status",
		},
		[]string{"task_type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flamenco_worker_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 100ms to ~55min
		},
		[]string{"task_type"},
	)

	// Command metrics
	CommandsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamenco_worker_commands_executed_total",
			Help: "Total number of commands executed, by command name and exit status",
		},
		[]string{"command", "status"},
	)

	// Update queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flamenco_worker_update_queue_depth",
			Help: "Current number of undelivered updates in the durable queue",
		},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flamenco_worker_update_queue_drain_seconds",
			Help:    "Duration of one update-queue drain pass",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	DrainErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flamenco_worker_update_queue_drain_errors_total",
			Help: "Total number of errors encountered while draining the update queue",
		},
		[]string{"kind"},
	)

	UpdatesDiscarded409 = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flamenco_worker_update_queue_discarded_409_total",
			Help: "Total number of updates discarded because the Manager returned 409",
		},
	)

	// May-I-run metrics
	MayIRunPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flamenco_worker_may_i_run_poll_seconds",
			Help:    "Duration of a single may-i-run poll request",
			Buckets: prometheus.DefBuckets,
		},
	)

	MayIRunAborts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flamenco_worker_may_i_run_aborts_total",
			Help: "Total number of task aborts triggered by a may-i-run poll",
		},
	)

	// Worker state
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flamenco_worker_state",
			Help: "1 for the worker's current lifecycle state, 0 otherwise",
		},
		[]string{"state"},
	)

	// WebSocket / status surface metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flamenco_worker_status_websocket_connections",
			Help: "Current number of connected status WebSocket clients",
		},
	)
)

// RecordTaskStart records the start of a task.
func RecordTaskStart(jobType, taskType string) {
	TasksStarted.WithLabelValues(jobType, taskType).Inc()
}

// RecordTaskFinish records the terminal status of a task and its duration.
func RecordTaskFinish(taskType, status string, durationSeconds float64) {
	TasksFinished.WithLabelValues(taskType, status).Inc()
	TaskDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// RecordCommand records the outcome of one command execution.
func RecordCommand(commandName, status string) {
	CommandsExecuted.WithLabelValues(commandName, status).Inc()
}

// SetQueueDepth sets the update-queue depth gauge.
func SetQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}

// RecordDrain records the duration of one drain pass.
func RecordDrain(durationSeconds float64) {
	DrainDuration.Observe(durationSeconds)
}

// RecordDrainError records a drain-pass error by kind ("network", "manager", "other").
func RecordDrainError(kind string) {
	DrainErrors.WithLabelValues(kind).Inc()
}

// RecordDiscard409 records a single-row 409 discard.
func RecordDiscard409() {
	UpdatesDiscarded409.Inc()
}

// RecordMayIRunPoll records the duration of one may-i-run poll.
func RecordMayIRunPoll(durationSeconds float64) {
	MayIRunPollDuration.Observe(durationSeconds)
}

// RecordMayIRunAbort records a task abort triggered by may-i-run.
func RecordMayIRunAbort() {
	MayIRunAborts.Inc()
}

// SetWorkerState marks the given state active and all sibling states inactive.
func SetWorkerState(states []string, current string) {
	for _, s := range states {
		if s == current {
			WorkerState.WithLabelValues(s).Set(1)
		} else {
			WorkerState.WithLabelValues(s).Set(0)
		}
	}
}

// SetWebSocketConnections sets the status WebSocket connection gauge.
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}
