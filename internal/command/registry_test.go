package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	validateErr error
	status      Status
	execErr     error
	panicWith   interface{}
}

func (h *fakeHandler) Validate(settings map[string]interface{}) error { return h.validateErr }

func (h *fakeHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	if h.panicWith != nil {
		panic(h.panicWith)
	}
	return h.status, h.execErr
}

func TestRegistry_DispatchUnknownCommand(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "nope", nil, &fakeReporter{})
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestRegistry_DispatchSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", &fakeHandler{status: StatusCompleted})

	status, err := r.Dispatch(context.Background(), "noop", map[string]interface{}{}, &fakeReporter{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.True(t, r.HasHandler("noop"))
	assert.Contains(t, r.Names(), "noop")
}

func TestRegistry_DispatchValidateError(t *testing.T) {
	r := NewRegistry()
	r.Register("bad-settings", &fakeHandler{validateErr: errors.New("missing field")})

	_, err := r.Dispatch(context.Background(), "bad-settings", map[string]interface{}{}, &fakeReporter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.Contains(t, err.Error(), "missing field")
}

func TestRegistry_DispatchRecoversFromPanic(t *testing.T) {
	r := NewRegistry()
	r.Register("explodes", &fakeHandler{panicWith: "boom"})

	status, err := r.Dispatch(context.Background(), "explodes", map[string]interface{}{}, &fakeReporter{})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Contains(t, err.Error(), "boom")
}

type blockingHandler struct{}

func (blockingHandler) Validate(settings map[string]interface{}) error { return nil }

func (blockingHandler) Execute(ctx context.Context, settings map[string]interface{}, report Reporter) (Status, error) {
	<-ctx.Done()
	return StatusCancelled, ctx.Err()
}

func TestRegistry_DispatchHonorsTimeoutSetting(t *testing.T) {
	r := NewRegistry()
	r.Register("hangs", blockingHandler{})

	done := make(chan struct{})
	var status Status
	var err error
	go func() {
		defer close(done)
		status, err = r.Dispatch(context.Background(), "hangs",
			map[string]interface{}{"timeout": 0.05}, &fakeReporter{})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout setting did not cancel the handler")
	}

	assert.Equal(t, StatusCancelled, status)
	assert.Error(t, err)
}

func TestRegistry_DispatchExecuteError(t *testing.T) {
	r := NewRegistry()
	wantErr := errors.New("render failed")
	r.Register("fails", &fakeHandler{status: StatusFailed, execErr: wantErr})

	status, err := r.Dispatch(context.Background(), "fails", map[string]interface{}{}, &fakeReporter{})
	assert.Equal(t, StatusFailed, status)
	assert.ErrorIs(t, err, wantErr)
}
