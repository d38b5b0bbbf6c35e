// Package mayirun implements the supervisory poller that periodically
// asks the Manager whether the worker may keep running its current
// task. It runs alongside the task runner for the lifetime of one task,
// started and stopped by whatever owns that task's lifecycle. A false
// response carrying status_requested triggers a worker status change,
// and any false response aborts the current task exactly once.
package mayirun

import (
	"context"
	"fmt"
	"time"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
	"github.com/flamenco-io/flamenco-worker/internal/metrics"
	"github.com/flamenco-io/flamenco-worker/internal/model"
)

// DefaultPollInterval matches the worker's default supervisory check
// frequency.
const DefaultPollInterval = 2 * time.Second

// Manager is the subset of the upstream client the poller needs.
type Manager interface {
	Get(ctx context.Context, path string, out interface{}) error
}

// Worker is the subset of worker lifecycle operations the poller can
// trigger in response to a may-i-run verdict.
type Worker interface {
	ChangeStatus(status string)
	StopCurrentTask()
}

// Poller periodically polls /may-i-run/<task_id> while a task is active.
type Poller struct {
	manager      Manager
	worker       Worker
	PollInterval time.Duration
}

// New builds a Poller using manager for the HTTP call and worker for the
// status-change/abort side effects.
func New(manager Manager, worker Worker) *Poller {
	return &Poller{manager: manager, worker: worker, PollInterval: DefaultPollInterval}
}

// MayIRun issues one may-i-run check for taskID. It applies the
// status_requested side effect itself (so callers never need to inspect
// the response body) and returns only the keep-running verdict.
func (p *Poller) MayIRun(ctx context.Context, taskID string) (bool, error) {
	start := time.Now()
	var resp model.MayIRunResponse
	err := p.manager.Get(ctx, fmt.Sprintf("/may-i-run/%s", taskID), &resp)
	metrics.RecordMayIRunPoll(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}

	if !resp.MayKeepRunning && resp.StatusRequested != "" {
		p.worker.ChangeStatus(resp.StatusRequested)
	}

	return resp.MayKeepRunning, nil
}

// Work runs the poll loop for taskID until ctx is cancelled or a
// may-i-run response says to stop, whichever comes first. On the first
// false verdict it calls worker.StopCurrentTask() exactly once and
// returns.
func (p *Poller) Work(ctx context.Context, taskID string) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	log := logger.WithTask(taskID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mayRun, err := p.MayIRun(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("may-i-run poll failed, will retry")
			continue
		}

		if !mayRun {
			log.Info().Msg("may-i-run denied, stopping current task")
			metrics.RecordMayIRunAbort()
			p.worker.StopCurrentTask()
			return
		}
	}
}
