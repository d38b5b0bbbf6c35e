package command

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
)

// Registry maps command names to their handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry. Use Register to populate it.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs handler under name, replacing any prior handler for
// the same name.
func (r *Registry) Register(name string, handler Handler) {
	r.handlers[name] = handler
}

// HasHandler reports whether name has a registered handler.
func (r *Registry) HasHandler(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns all registered command names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// settingTimeout reads the optional "timeout" setting, in seconds.
// Returns 0 when absent or unparseable (no timeout).
func settingTimeout(settings map[string]interface{}) time.Duration {
	switch v := settings["timeout"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}

// Dispatch validates settings and runs the named command's handler,
// recovering from any panic inside Validate/Execute so a single bad
// command handler fails that command rather than taking the worker
// process down.
func (r *Registry) Dispatch(ctx context.Context, name string, settings map[string]interface{}, report Reporter) (status Status, err error) {
	handler, ok := r.handlers[name]
	if !ok {
		return StatusFailed, fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}

	log := logger.WithComponent("command")

	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			log.Error().
				Str("command", name).
				Interface("panic", rec).
				Str("stack", string(stack)).
				Msg("command handler panicked")
			status = StatusFailed
			err = fmt.Errorf("command %q handler panicked: %v", name, rec)
		}
	}()

	if err := handler.Validate(settings); err != nil {
		return StatusFailed, fmt.Errorf("command %q: %w: %v", name, ErrInvalidSettings, err)
	}

	// An optional per-command wall-clock timeout; exceeding it cancels
	// the handler's context, which is treated the same as an abort.
	if timeout := settingTimeout(settings); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, err = handler.Execute(ctx, settings, report)
	if err != nil {
		if ctx.Err() != nil {
			return StatusCancelled, ctx.Err()
		}
		return status, err
	}
	return status, nil
}
