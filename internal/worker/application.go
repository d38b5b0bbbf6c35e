// Package worker implements the worker lifecycle state machine's main
// loop: registration, the awake/asleep fetch-and-run cycle, and
// shutdown. It is the thing that ties every other package together —
// identity, the upstream client, the durable update queue, the task
// runner and the may-i-run poller — into one running process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/flamenco-io/flamenco-worker/internal/backoff"
	"github.com/flamenco-io/flamenco-worker/internal/command"
	"github.com/flamenco-io/flamenco-worker/internal/config"
	"github.com/flamenco-io/flamenco-worker/internal/identity"
	"github.com/flamenco-io/flamenco-worker/internal/logger"
	"github.com/flamenco-io/flamenco-worker/internal/mayirun"
	"github.com/flamenco-io/flamenco-worker/internal/metrics"
	"github.com/flamenco-io/flamenco-worker/internal/model"
	"github.com/flamenco-io/flamenco-worker/internal/status"
	statusws "github.com/flamenco-io/flamenco-worker/internal/status/websocket"
	"github.com/flamenco-io/flamenco-worker/internal/taskrun"
	"github.com/flamenco-io/flamenco-worker/internal/upstream"
	"github.com/flamenco-io/flamenco-worker/internal/upstreamqueue"
	"github.com/flamenco-io/flamenco-worker/internal/workerstate"
)

// Manager is the subset of the upstream client the Application needs.
// Satisfied by *upstream.Client; narrowed to an interface so tests can
// supply a fake without standing up an httptest.Server for every case.
type Manager interface {
	Post(ctx context.Context, path string, body interface{}, out interface{}) error
	PostRaw(ctx context.Context, path string, body []byte) error
	Get(ctx context.Context, path string, out interface{}) error
}

// Application drives one worker's entire lifecycle: registration,
// sign-on, the awake fetch/run loop, asleep polling, and shutdown.
type Application struct {
	cfg      *config.Config
	queue    *upstreamqueue.Queue
	registry *command.Registry
	machine  *workerstate.Machine
	runner   *taskrun.Runner

	// mu guards manager and identity, which reRegister replaces in place
	// while DrainLoop's goroutine and the main loop may be reading them.
	mu       sync.RWMutex
	manager  Manager
	identity *identity.Identity

	fetchBackoff *backoff.Sequence

	wakeRequest chan struct{}
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// New builds an Application. identity must already be loaded or freshly
// registered; the caller owns that step because it may involve writing
// the identity file exactly once (see internal/identity).
func New(cfg *config.Config, manager Manager, queue *upstreamqueue.Queue, registry *command.Registry, id *identity.Identity) *Application {
	runner := taskrun.New(registry, queue, id.WorkerID)
	runner.SetLogBatchWait(cfg.Queue.LogBatchWait)
	seq := backoff.NewSequence(&backoff.Policy{
		Initial: cfg.Worker.FetchBackoffMin,
		Max:     cfg.Worker.FetchBackoffMax,
		Factor:  2.0,
	})
	return &Application{
		cfg:          cfg,
		manager:      manager,
		queue:        queue,
		registry:     registry,
		machine:      workerstate.New(),
		runner:       runner,
		identity:     id,
		fetchBackoff: seq,
		wakeRequest:  make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Register loads the worker's persisted identity from path, or performs
// POST /register-worker and persists the result if no identity file
// exists yet. The Manager base URL and platform come from cfg, never
// from process-wide state.
func Register(ctx context.Context, manager Manager, cfg *config.Config) (*identity.Identity, error) {
	id, err := identity.Load(cfg.Worker.IdentityFile)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("worker: loading identity: %w", err)
	}

	logger.WithComponent("worker").Info().Msg("no identity file found, registering with manager")

	var resp model.RegisterResponse
	req := map[string]string{"platform": cfg.Worker.Platform}
	if err := manager.Post(ctx, "/register-worker", req, &resp); err != nil {
		return nil, fmt.Errorf("worker: registering: %w", err)
	}

	id = &identity.Identity{
		WorkerID:    resp.WorkerID,
		AccessToken: resp.AccessToken,
		Platform:    cfg.Worker.Platform,
	}
	if err := identity.Save(cfg.Worker.IdentityFile, id); err != nil {
		return nil, fmt.Errorf("worker: persisting identity: %w", err)
	}
	return id, nil
}

// SignOn declares the worker's supported task types and nickname to the
// Manager. Called once after registration, before the first task fetch.
func (a *Application) SignOn(ctx context.Context) error {
	id := a.getIdentity()
	req := map[string]interface{}{
		"worker_id":  id.WorkerID,
		"nickname":   a.cfg.Worker.Nickname,
		"task_types": a.cfg.Worker.TaskTypes,
		"platform":   id.Platform,
	}
	if err := a.getManager().Post(ctx, "/sign-on", req, nil); err != nil {
		return fmt.Errorf("worker: sign-on: %w", err)
	}
	if err := a.machine.WakeUp(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	a.setStateMetric()
	return nil
}

// SignOff tells the Manager this worker is going away. Best-effort: a
// failure here is logged, not fatal, since the worker is shutting down
// either way.
func (a *Application) SignOff(ctx context.Context) {
	req := map[string]string{"worker_id": a.getIdentity().WorkerID}
	if err := a.getManager().Post(ctx, "/sign-off", req, nil); err != nil {
		logger.WithComponent("worker").Warn().Err(err).Msg("sign-off failed, continuing shutdown anyway")
	}
}

// SetHub attaches a status websocket hub so every task update and log
// line this worker produces is also broadcast to locally-connected
// status viewers. Optional; call before Run if the status surface is
// enabled.
func (a *Application) SetHub(hub *statusws.Hub) {
	a.runner.SetHub(hub)
}

// Snapshot implements status.Reporter.
func (a *Application) Snapshot() status.Snapshot {
	size, _ := a.queue.QueueSize()
	return status.Snapshot{
		WorkerID:      a.getIdentity().WorkerID,
		Status:        a.machine.Status().String(),
		CurrentTaskID: a.runner.CurrentTaskID(),
		QueueSize:     size,
	}
}

// ChangeStatus implements mayirun.Worker: it transitions the lifecycle
// state machine to the Manager-requested status and acknowledges the
// change, preserving the status string verbatim (it need not be one of
// the worker's own known states — the Manager is the source of truth).
func (a *Application) ChangeStatus(requested string) {
	target := workerstate.ParseStatus(requested)
	if err := a.machine.Transition(target); err != nil {
		logger.WithComponent("worker").Warn().Str("requested", requested).Err(err).Msg("cannot honor requested status change")
		return
	}
	a.setStateMetric()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.getManager().Post(ctx, fmt.Sprintf("/ack-status-change/%s", requested), nil, nil); err != nil {
		logger.WithComponent("worker").Warn().Err(err).Msg("failed to acknowledge status change")
	}

	if target == workerstate.StatusAwake {
		a.requestWake()
	} else {
		// Going asleep obsoletes any wake requested before the
		// transition; drop it so it can't cut the sleep short.
		select {
		case <-a.wakeRequest:
		default:
		}
	}
}

// StopCurrentTask implements mayirun.Worker: it aborts whatever task the
// task runner currently has in flight. A no-op if nothing is running.
func (a *Application) StopCurrentTask() {
	a.runner.Abort("may-i-run denied")
}

func (a *Application) getManager() Manager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manager
}

func (a *Application) getIdentity() *identity.Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

func (a *Application) requestWake() {
	select {
	case a.wakeRequest <- struct{}{}:
	default:
	}
}

func (a *Application) setStateMetric() {
	metrics.SetWorkerState(workerstate.All(), a.machine.Status().String())
}

// Run is the worker's main loop: it alternates between the awake
// fetch/run cycle and the asleep wait, until ctx is cancelled or
// Shutdown is called. It returns once the loop has exited; callers
// should then call Shutdown to flush any remaining updates.
func (a *Application) Run(ctx context.Context) {
	a.setStateMetric()
	log := logger.WithWorker(a.getIdentity().WorkerID)
	log.Info().Msg("worker main loop starting")

	for {
		if ctx.Err() != nil || a.machine.Status() == workerstate.StatusShuttingDown {
			return
		}

		switch a.machine.Status() {
		case workerstate.StatusAsleep:
			a.sleepTick(ctx)
		default:
			a.awakeCycle(ctx)
		}
	}
}

// sleepTick waits one sleep-check period (or a wake signal from
// ChangeStatus/may-i-run, whichever comes first) without fetching a
// task, per the asleep-state contract.
func (a *Application) sleepTick(ctx context.Context) {
	period := a.cfg.Worker.SleepCheckPeriod
	if period <= 0 {
		period = 10 * time.Second
	}

	select {
	case <-ctx.Done():
		return
	case <-a.stopCh:
		return
	case <-a.wakeRequest:
		if err := a.machine.WakeUp(); err == nil {
			a.setStateMetric()
			logger.WithWorker(a.getIdentity().WorkerID).Info().Msg("woken up")
		}
	case <-time.After(period):
		a.checkWakeDirective(ctx)
	}
}

// checkWakeDirective asks the Manager, via the taskless may-i-run
// endpoint, whether this worker should change status. A directive back
// to awake ends the asleep state; errors just mean the next sleep tick
// asks again.
func (a *Application) checkWakeDirective(ctx context.Context) {
	var resp model.MayIRunResponse
	if err := a.getManager().Get(ctx, "/may-i-run/", &resp); err != nil {
		logger.WithComponent("worker").Debug().Err(err).Msg("wake check failed")
		return
	}
	if resp.StatusRequested == "" {
		return
	}
	if workerstate.ParseStatus(resp.StatusRequested) == workerstate.StatusAwake {
		a.ChangeStatus(resp.StatusRequested)
	}
}

// awakeCycle fetches one task (with bounded-exponential backoff on
// connection failure) and, if one was handed out, runs it to completion
// alongside a may-i-run poller for its duration.
func (a *Application) awakeCycle(ctx context.Context) {
	log := logger.WithWorker(a.getIdentity().WorkerID)

	task, err := a.fetchTask(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) && isIdentityRejection(statusErr.StatusCode) {
			log.Warn().Int("status", statusErr.StatusCode).Msg("manager rejected credentials, re-registering")
			if rerr := a.reRegister(ctx); rerr != nil {
				log.Error().Err(rerr).Msg("re-registration failed")
			}
			return
		}

		log.Warn().Err(err).Msg("task fetch failed")
		return
	}
	if task == nil {
		return // no task available; loop immediately re-polls (Manager long-polls on its side)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	poller := mayirun.New(a.getManager(), a)
	if a.cfg.Worker.MayIRunInterval > 0 {
		poller.PollInterval = a.cfg.Worker.MayIRunInterval
	}

	var pollerWg sync.WaitGroup
	pollerWg.Add(1)
	go func() {
		defer pollerWg.Done()
		poller.Work(taskCtx, task.TaskID)
	}()

	if err := a.runner.Run(taskCtx, *task); err != nil {
		log.Warn().Str("task_id", task.TaskID).Err(err).Msg("task ended with error")
	}

	cancel() // stop the poller now that the task is done, even if it said may_keep_running
	pollerWg.Wait()
}

// fetchTask requests one task from the Manager. A 204-equivalent "no
// task" response is reported by the Manager as a zero-value Task (empty
// TaskID); fetchTask treats that as "nothing available right now", not
// an error. Connection failures apply bounded-exponential backoff before
// returning so the caller's loop doesn't spin hot against an
// unreachable Manager.
func (a *Application) fetchTask(ctx context.Context) (*model.Task, error) {
	req := map[string]string{"worker_id": a.getIdentity().WorkerID}

	fetchCtx := ctx
	if a.cfg.Manager.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, a.cfg.Manager.FetchTimeout)
		defer cancel()
	}

	var task model.Task
	err := a.getManager().Post(fetchCtx, "/task", req, &task)
	if err == nil {
		if task.TaskID == "" {
			return nil, nil
		}
		a.fetchBackoff.Reset()
		return &task, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The long-poll's own FetchTimeout elapsed with the Manager still
		// reachable and no task handed out: not a failure, just an empty
		// poll. Retry immediately without touching the connection-failure
		// backoff sequence.
		return nil, nil
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		// A non-retryable 4xx is final for this fetch attempt: surface
		// it without backoff so the caller can decide how to react
		// (awakeCycle re-registers on 401/403 and logs anything else).
		return nil, fmt.Errorf("worker: fetching task: %w", err)
	}

	delay := a.fetchBackoff.Next()
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	return nil, err
}

// DrainLoop runs the durable update queue's drain loop against this
// worker's Manager connection until ctx is cancelled. Meant to be run in
// its own goroutine for the lifetime of the process, independently of
// Run's awake/asleep cycling.
func (a *Application) DrainLoop(ctx context.Context) {
	a.queue.DrainLoop(ctx, a.post)
}

func isIdentityRejection(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// reRegister discards the on-disk identity and re-registers from
// scratch, then rebuilds the authenticated Manager connection with the
// fresh access token. Triggered when the Manager rejects the worker's
// current credentials (401/403) on a task fetch.
func (a *Application) reRegister(ctx context.Context) error {
	if err := os.Remove(a.cfg.Worker.IdentityFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker: removing stale identity file: %w", err)
	}

	bootstrap, err := upstream.NewClient(a.cfg.Manager.URL, "", upstream.WithTimeout(a.cfg.Manager.RequestTimeout))
	if err != nil {
		return fmt.Errorf("worker: building bootstrap client: %w", err)
	}

	id, err := Register(ctx, bootstrap, a.cfg)
	if err != nil {
		return fmt.Errorf("worker: re-registering: %w", err)
	}

	manager, err := upstream.NewClient(a.cfg.Manager.URL, id.AccessToken, upstream.WithTimeout(a.cfg.Manager.RequestTimeout))
	if err != nil {
		return fmt.Errorf("worker: rebuilding authenticated client: %w", err)
	}

	a.mu.Lock()
	a.identity = id
	a.manager = manager
	a.mu.Unlock()
	logger.WithComponent("worker").Info().Str("worker_id", id.WorkerID).Msg("re-registered with manager")
	return nil
}

// Shutdown transitions the lifecycle state machine to shutting-down,
// aborts any in-flight task, signs off, and performs one best-effort
// drain of the update queue before returning. Safe to call once; ctx
// bounds the whole sequence.
func (a *Application) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})

	a.machine.Shutdown()
	a.setStateMetric()

	logger.WithWorker(a.getIdentity().WorkerID).Info().Msg("shutting down")

	a.runner.Abort("worker shutting down")
	a.SignOff(ctx)
	a.queue.FlushAndReport(ctx, a.post)
}

func (a *Application) post(ctx context.Context, url string, payload []byte) error {
	return a.getManager().PostRaw(ctx, url, payload)
}
