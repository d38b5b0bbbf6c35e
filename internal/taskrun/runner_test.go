package taskrun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flamenco-io/flamenco-worker/internal/command"
	"github.com/flamenco-io/flamenco-worker/internal/model"
	statusws "github.com/flamenco-io/flamenco-worker/internal/status/websocket"
)

type fakeQueue struct {
	mu      sync.Mutex
	entries []entry
}

type entry struct {
	url     string
	payload []byte
}

func (q *fakeQueue) Enqueue(url string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry{url: url, payload: append([]byte(nil), payload...)})
	return nil
}

func (q *fakeQueue) updates(t *testing.T) []model.TaskUpdate {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	var updates []model.TaskUpdate
	for _, e := range q.entries {
		u, err := model.TaskUpdateFromJSON(e.payload)
		require.NoError(t, err)
		updates = append(updates, u)
	}
	return updates
}

type stubHandler struct {
	status Status
	err    error
	delay  time.Duration
}

type Status = command.Status

func (h stubHandler) Validate(settings map[string]interface{}) error { return nil }

func (h stubHandler) Execute(ctx context.Context, settings map[string]interface{}, report command.Reporter) (command.Status, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return command.StatusCancelled, ctx.Err()
		}
	}
	report.ReportProgress(100)
	return h.status, h.err
}

func newTestRunner(t *testing.T) (*Runner, *fakeQueue, *command.Registry) {
	t.Helper()
	reg := command.NewRegistry()
	q := &fakeQueue{}
	r := New(reg, q, "worker-1")
	return r, q, reg
}

func TestRun_AllCommandsSucceed_EmitsCompletedTerminalStatus(t *testing.T) {
	r, q, reg := newTestRunner(t)
	reg.Register("noop", stubHandler{status: command.StatusCompleted})

	task := model.Task{
		TaskID:   "t-1",
		JobType:  "render",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "noop"}, {Name: "noop"}},
	}

	err := r.Run(context.Background(), task)
	require.NoError(t, err)

	updates := q.updates(t)
	require.NotEmpty(t, updates)
	assert.Equal(t, model.TaskStatusActive, updates[0].TaskStatus)
	last := updates[len(updates)-1]
	assert.Equal(t, model.TaskStatusCompleted, last.TaskStatus)
	assert.False(t, r.IsRunning())
}

func TestRun_CommandFails_EmitsFailedTerminalStatus(t *testing.T) {
	r, q, reg := newTestRunner(t)
	reg.Register("boom", stubHandler{status: command.StatusFailed, err: assertError("render crashed")})

	task := model.Task{
		TaskID:   "t-2",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "boom"}},
	}

	err := r.Run(context.Background(), task)
	require.Error(t, err)

	updates := q.updates(t)
	last := updates[len(updates)-1]
	assert.Equal(t, model.TaskStatusFailed, last.TaskStatus)
	assert.Contains(t, last.Activity, "render crashed")
}

type badSettingsHandler struct{}

func (badSettingsHandler) Validate(settings map[string]interface{}) error {
	return assertError("missing required setting \"filepath\"")
}

func (badSettingsHandler) Execute(ctx context.Context, settings map[string]interface{}, report command.Reporter) (command.Status, error) {
	return command.StatusCompleted, nil
}

func TestRun_ValidationFailure_ReportsBadCommandSettings(t *testing.T) {
	r, q, reg := newTestRunner(t)
	reg.Register("misconfigured", badSettingsHandler{})

	task := model.Task{
		TaskID:   "t-8",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "misconfigured"}},
	}

	err := r.Run(context.Background(), task)
	require.Error(t, err)

	updates := q.updates(t)
	last := updates[len(updates)-1]
	assert.Equal(t, model.TaskStatusFailed, last.TaskStatus)
	assert.Equal(t, "bad command settings", last.Activity)
}

func TestRun_UnknownCommand_FailsTask(t *testing.T) {
	r, q, _ := newTestRunner(t)

	task := model.Task{
		TaskID:   "t-3",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "does-not-exist"}},
	}

	err := r.Run(context.Background(), task)
	require.Error(t, err)

	updates := q.updates(t)
	last := updates[len(updates)-1]
	assert.Equal(t, model.TaskStatusFailed, last.TaskStatus)
}

func TestRun_AbortCancelsCurrentTask(t *testing.T) {
	r, q, reg := newTestRunner(t)
	reg.Register("slow", stubHandler{status: command.StatusCompleted, delay: 2 * time.Second})

	task := model.Task{
		TaskID:   "t-4",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "slow"}},
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), task) }()

	// Give Run a moment to register as running, then abort it.
	require.Eventually(t, r.IsRunning, time.Second, 5*time.Millisecond)
	r.Abort("test abort")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not aborted promptly")
	}

	updates := q.updates(t)
	last := updates[len(updates)-1]
	assert.Equal(t, model.TaskStatusCanceled, last.TaskStatus)
}

func TestAbort_NoopWhenNothingRunning(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.Abort("no task")
}

type logLinesHandler struct {
	lines []string
}

func (h logLinesHandler) Validate(settings map[string]interface{}) error { return nil }

func (h logLinesHandler) Execute(ctx context.Context, settings map[string]interface{}, report command.Reporter) (command.Status, error) {
	for _, l := range h.lines {
		report.ReportLog(l)
	}
	return command.StatusCompleted, nil
}

func TestRun_BatchesLogLinesWithinWindow(t *testing.T) {
	r, q, reg := newTestRunner(t)
	r.SetLogBatchWait(50 * time.Millisecond)
	reg.Register("chatty", logLinesHandler{lines: []string{"line one", "line two", "line three"}})

	task := model.Task{
		TaskID:   "t-6",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "chatty"}},
	}

	require.NoError(t, r.Run(context.Background(), task))

	var logUpdates []model.TaskUpdate
	for _, u := range q.updates(t) {
		if u.Log != "" {
			logUpdates = append(logUpdates, u)
		}
	}

	require.Len(t, logUpdates, 1, "rapid-fire lines within the batch window should coalesce into one update")
	assert.Equal(t, "line one\nline two\nline three", logUpdates[0].Log)
}

func TestRun_FlushesPendingLogBatchAtCommandEnd(t *testing.T) {
	r, q, reg := newTestRunner(t)
	r.SetLogBatchWait(time.Hour) // never fires on its own within the test
	reg.Register("chatty", logLinesHandler{lines: []string{"only line"}})

	task := model.Task{
		TaskID:   "t-7",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "chatty"}},
	}

	require.NoError(t, r.Run(context.Background(), task))

	var found bool
	for _, u := range q.updates(t) {
		if u.Log == "only line" {
			found = true
		}
	}
	assert.True(t, found, "the command-end flush must deliver the batch even though its timer hasn't fired")
}

func TestRun_BroadcastsUpdatesToHubWithoutBlocking(t *testing.T) {
	r, q, reg := newTestRunner(t)
	reg.Register("noop", stubHandler{status: command.StatusCompleted})

	hub := statusws.NewHub()
	r.SetHub(hub)

	task := model.Task{
		TaskID:   "t-5",
		TaskType: "blender-render",
		Commands: []model.Command{{Name: "noop"}},
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), task) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run with an attached (but unstarted) hub must never block on broadcast")
	}

	require.NotEmpty(t, q.updates(t))
}

type assertError string

func (e assertError) Error() string { return string(e) }
