// Package taskrun drives one task end-to-end: dispatching each of its
// commands in order through the command registry, aggregating progress,
// and enqueueing status/log updates for upstream delivery. At most one
// task runs at a time per worker, so Runner holds no internal
// concurrency beyond the single goroutine that calls Run.
package taskrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flamenco-io/flamenco-worker/internal/command"
	"github.com/flamenco-io/flamenco-worker/internal/logger"
	"github.com/flamenco-io/flamenco-worker/internal/metrics"
	"github.com/flamenco-io/flamenco-worker/internal/model"
	statusws "github.com/flamenco-io/flamenco-worker/internal/status/websocket"
	"github.com/flamenco-io/flamenco-worker/internal/upstreamqueue"
)

// Enqueuer durably stores one upstream update for later delivery. It is
// satisfied by *upstreamqueue.Queue.
type Enqueuer interface {
	Enqueue(url string, payload []byte) error
}

// Runner executes a single task at a time.
type Runner struct {
	registry *command.Registry
	queue    Enqueuer
	workerID string
	hub      *statusws.Hub

	mu           sync.Mutex
	cancel       context.CancelFunc
	taskID       string
	running      bool
	logBatchWait time.Duration
}

// New builds a Runner that dispatches commands through registry and
// enqueues task updates via queue, tagging every update with workerID.
func New(registry *command.Registry, queue Enqueuer, workerID string) *Runner {
	return &Runner{registry: registry, queue: queue, workerID: workerID}
}

// SetHub attaches a status websocket hub that every enqueued update and
// log line is also broadcast to, for locally-connected status viewers.
// Optional: a nil hub (the default) disables broadcasting entirely.
func (r *Runner) SetHub(hub *statusws.Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hub = hub
}

func (r *Runner) getHub() *statusws.Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hub
}

// SetLogBatchWait configures how long ReportLog coalesces rapid-fire
// subprocess output lines into a single upstream log update before
// flushing, matching §4.3's "optionally batched by short time window".
// Zero (the default) sends every line as its own update immediately.
func (r *Runner) SetLogBatchWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logBatchWait = d
}

func (r *Runner) getLogBatchWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logBatchWait
}

// IsRunning reports whether a task is currently executing.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CurrentTaskID returns the id of the task currently running, or "" if
// none.
func (r *Runner) CurrentTaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

// Abort cancels the currently running task, if any. Safe to call when no
// task is running (a no-op). Used by the may-i-run poller and worker
// lifecycle to stop the current task on command.
func (r *Runner) Abort(reason string) {
	r.mu.Lock()
	cancel := r.cancel
	taskID := r.taskID
	r.mu.Unlock()

	if cancel == nil {
		return
	}

	logger.WithTask(taskID).Info().Str("reason", reason).Msg("aborting current task")
	cancel()
}

// Run drives t to completion: an "active" status update, one update per
// command, aggregated progress, and exactly one terminal status update
// at the end. ctx is the worker's overall lifetime context; Run installs
// its own cancellable child so Abort only ever affects this one task.
func (r *Runner) Run(ctx context.Context, t model.Task) error {
	taskCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.taskID = t.TaskID
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.taskID = ""
		r.running = false
		r.mu.Unlock()
		cancel()
	}()

	log := logger.WithTask(t.TaskID)
	start := time.Now()
	metrics.RecordTaskStart(t.JobType, t.TaskType)

	r.enqueueUpdate(t.TaskID, model.TaskUpdate{
		TaskStatus: model.TaskStatusActive,
		Activity:   fmt.Sprintf("started task %s", t.TaskID),
		WorkerID:   r.workerID,
	})

	total := len(t.Commands)
	report := &progressReporter{runner: r, taskID: t.TaskID, total: total, batchWait: r.getLogBatchWait()}
	defer report.flushLog()

	for idx, cmd := range t.Commands {
		report.beginCommand(idx)

		// Flush any log lines from the previous command before the
		// activity update that separates the two, per §5's ordering
		// guarantee.
		report.flushLog()
		r.enqueueUpdate(t.TaskID, model.TaskUpdate{
			Activity: cmd.Name,
			WorkerID: r.workerID,
		})

		status, err := r.registry.Dispatch(taskCtx, cmd.Name, cmd.Settings, report)
		metrics.RecordCommand(cmd.Name, status.String())
		report.flushLog()

		switch status {
		case command.StatusCancelled:
			log.Info().Str("command", cmd.Name).Msg("task canceled")
			r.enqueueUpdate(t.TaskID, model.TaskUpdate{
				TaskStatus: model.TaskStatusCanceled,
				Activity:   "canceled",
				WorkerID:   r.workerID,
			})
			metrics.RecordTaskFinish(t.TaskType, model.TaskStatusCanceled, time.Since(start).Seconds())
			return nil
		case command.StatusFailed:
			reason := "command failed"
			switch {
			case errors.Is(err, command.ErrInvalidSettings):
				reason = "bad command settings"
			case err != nil:
				reason = err.Error()
			}
			log.Warn().Str("command", cmd.Name).Err(err).Msg("task failed")
			r.enqueueUpdate(t.TaskID, model.TaskUpdate{
				TaskStatus: model.TaskStatusFailed,
				Activity:   reason,
				WorkerID:   r.workerID,
			})
			metrics.RecordTaskFinish(t.TaskType, model.TaskStatusFailed, time.Since(start).Seconds())
			return err
		}

		report.finishCommand()
	}

	r.enqueueUpdate(t.TaskID, model.TaskUpdate{
		TaskStatus:                model.TaskStatusCompleted,
		Activity:                  "finished",
		TaskProgressPercentage:    model.IntPtr(100),
		CommandProgressPercentage: model.IntPtr(100),
		WorkerID:                  r.workerID,
	})
	metrics.RecordTaskFinish(t.TaskType, model.TaskStatusCompleted, time.Since(start).Seconds())
	log.Info().Dur("duration", time.Since(start)).Msg("task completed")
	return nil
}

func (r *Runner) enqueueUpdate(taskID string, update model.TaskUpdate) {
	payload, err := update.ToJSON()
	if err != nil {
		logger.WithTask(taskID).Error().Err(err).Msg("failed to marshal task update")
		return
	}
	url := fmt.Sprintf("/tasks/%s/update", taskID)
	if err := r.queue.Enqueue(url, payload); err != nil {
		if errors.Is(err, upstreamqueue.ErrClosed) {
			logger.WithTask(taskID).Warn().Err(err).Msg("update queue already closed, dropping task update")
			return
		}
		// A durable-store write failing means updates are being lost;
		// exit so an operator can intervene rather than render blind.
		logger.WithTask(taskID).Fatal().Err(err).Msg("cannot persist task update")
	}

	if hub := r.getHub(); hub != nil {
		hub.Broadcast(statusws.Event{
			Type: "task_update",
			Data: map[string]interface{}{"task_id": taskID, "update": update},
		})
	}
}

// progressReporter adapts command.Reporter calls into aggregated
// task_progress_percentage / command_progress_percentage updates. It
// also coalesces rapid ReportLog calls into batchWait-sized windows
// before enqueueing them as a single upstream update.
type progressReporter struct {
	runner    *Runner
	taskID    string
	total     int
	batchWait time.Duration

	commandIdx int

	logMu    sync.Mutex
	logLines []string
	logTimer *time.Timer
}

func (p *progressReporter) beginCommand(idx int) {
	p.commandIdx = idx
}

func (p *progressReporter) finishCommand() {
	p.commandIdx++
}

func (p *progressReporter) ReportLog(line string) {
	if p.batchWait <= 0 {
		p.runner.enqueueUpdate(p.taskID, model.TaskUpdate{
			Log:      line,
			WorkerID: p.runner.workerID,
		})
		return
	}

	p.logMu.Lock()
	p.logLines = append(p.logLines, line)
	if p.logTimer == nil {
		p.logTimer = time.AfterFunc(p.batchWait, p.flushLog)
	}
	p.logMu.Unlock()
}

// flushLog sends any buffered log lines as one joined upstream update.
// Safe to call with nothing buffered (a no-op) and safe to call
// concurrently with ReportLog or the batch timer firing.
func (p *progressReporter) flushLog() {
	p.logMu.Lock()
	lines := p.logLines
	p.logLines = nil
	if p.logTimer != nil {
		p.logTimer.Stop()
		p.logTimer = nil
	}
	p.logMu.Unlock()

	if len(lines) == 0 {
		return
	}

	p.runner.enqueueUpdate(p.taskID, model.TaskUpdate{
		Log:      strings.Join(lines, "\n"),
		WorkerID: p.runner.workerID,
	})
}

func (p *progressReporter) ReportProgress(percent int) {
	taskPct := percent
	if p.total > 0 {
		taskPct = ((p.commandIdx * 100) + percent) / p.total
	}
	p.runner.enqueueUpdate(p.taskID, model.TaskUpdate{
		CommandProgressPercentage: model.IntPtr(percent),
		TaskProgressPercentage:    model.IntPtr(taskPct),
		WorkerID:                  p.runner.workerID,
	})
}
