// Package trace is the debug-trace plugin. When enabled it logs entry to
// and return from factory operations at logger.LevelTrace.
package trace

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/guileen/pgnd/logger"
)

const Name = "debug_trace"

// Tracer is the debug-trace plugin. A nil or disabled Tracer does nothing.
type Tracer struct {
	log     *slog.Logger
	enabled atomic.Bool
	depth   atomic.Int32
}

// New returns a tracer writing to log, or the global logger when log is nil
func New(log *slog.Logger, enabled bool) *Tracer {
	if log == nil {
		log = logger.L()
	}
	t := &Tracer{log: log.With(logger.Component("trace"))}
	t.enabled.Store(enabled)
	return t
}

func (t *Tracer) Name() string    { return Name }
func (t *Tracer) Version() string { return "1.0.0" }

// Enabled reports whether calls are logged
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled.Load()
}

// SetEnabled switches tracing on or off
func (t *Tracer) SetEnabled(on bool) {
	if t != nil {
		t.enabled.Store(on)
	}
}

// Enter logs entry to op and returns the func that logs its return.
//
//	defer tracer.Enter(ctx, "driver.NewConnection")(&err)
func (t *Tracer) Enter(ctx context.Context, op string, args ...any) func(*error) {
	if !t.Enabled() {
		return func(*error) {}
	}
	depth := t.depth.Add(1)
	start := time.Now()
	t.log.Log(ctx, logger.LevelTrace, ">"+op, append([]any{"depth", depth}, args...)...)
	return func(errp *error) {
		t.depth.Add(-1)
		attrs := []any{"depth", depth, "elapsed", time.Since(start)}
		if errp != nil && *errp != nil {
			attrs = append(attrs, logger.ErrorField(*errp))
		}
		t.log.Log(ctx, logger.LevelTrace, "<"+op, attrs...)
	}
}

// Shutdown disables the tracer at library end
func (t *Tracer) Shutdown() error {
	t.SetEnabled(false)
	return nil
}
