package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/plugin/security"
)

// ExecutePluginOperation runs fn on behalf of an enabled plugin. The call
// is timed and recorded, throttled plugins wait out their delay first, and
// a panic in fn is returned as an *OperationError.
func (m *Manager) ExecutePluginOperation(ctx context.Context, id, name string, fn func(ctx context.Context, p plugin.Plugin) error) error {
	_, err := Execute(ctx, m, id, name, func(ctx context.Context, p plugin.Plugin) (struct{}, error) {
		return struct{}{}, fn(ctx, p)
	})
	return err
}

// Execute is ExecutePluginOperation for operations that produce a value.
func Execute[T any](ctx context.Context, m *Manager, id, name string, fn func(ctx context.Context, p plugin.Plugin) (T, error)) (T, error) {
	var zero T

	p, err := m.runnable(ctx, id)
	if err != nil {
		return zero, &OperationError{PluginID: id, Operation: name, Err: err}
	}

	done := m.metrics.Start(id, name)
	var out T
	err = m.protect(id, name, func() error {
		var ferr error
		out, ferr = fn(ctx, p)
		return ferr
	})
	done(err)
	if err != nil {
		return zero, err
	}
	return out, nil
}

// runnable returns the instance of a running plugin after applying the
// throttle delay.
func (m *Manager) runnable(ctx context.Context, id string) (plugin.Plugin, error) {
	p, ok := m.registry.Get(id)
	if !ok {
		return nil, plugin.ErrPluginNotFound
	}
	if _, running := m.security.Context(id); !running {
		return nil, ErrNotEnabled
	}
	if m.limiter.State(id) == resource.StateSuspended {
		return nil, ErrSuspended
	}

	if d := m.limiter.Delay(id); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return p, nil
}

// protect calls fn, turning a panic into an *OperationError. Errors from fn
// are wrapped in an *OperationError as well.
func (m *Manager) protect(id, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("plugin panicked", "plugin", id, "operation", op, "panic", r)
			err = &OperationError{
				PluginID:  id,
				Operation: op,
				Err:       fmt.Errorf("panic: %v", r),
				Panicked:  true,
			}
		}
	}()
	if err := fn(); err != nil {
		return &OperationError{PluginID: id, Operation: op, Err: err}
	}
	return nil
}

// CheckAndTerminateExcessivePlugins stops every plugin that is suspended or
// above a hard limit. Terminated plugins are left in ERROR status with
// their grants intact.
func (m *Manager) CheckAndTerminateExcessivePlugins(ctx context.Context) []security.Termination {
	ids := m.security.PluginsExceedingLimits()
	if len(ids) == 0 {
		return nil
	}
	defer m.publish(ctx)

	var terminated []security.Termination
	for _, id := range ids {
		if _, running := m.security.Context(id); !running {
			continue
		}
		if p, ok := m.registry.Get(id); ok {
			m.cleanupInstance(p)
			m.markStale(id)
		}

		t := m.security.TerminatePlugin(id, TerminationReason)
		if err := m.db.SetEnabled(ctx, id, false); err != nil {
			m.logger.Error("cannot persist enabled flag", "plugin", id, "error", err)
		}
		m.setStatus(ctx, id, plugin.StatusError)
		m.metrics.Record(id, "terminate", 0, fmt.Errorf("%s: %s", TerminationReason, t.State))
		terminated = append(terminated, t)
	}
	return terminated
}
