package resource

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Callback receives violation events. It is called from the notifier's
// goroutine and must not block for long.
type Callback func(v Violation)

// Notifier forwards violations to a host callback and logs each one. It
// takes no governance action of its own.
type Notifier struct {
	callback Callback
	logger   hclog.Logger

	closeOnce func()
	done      chan struct{}
}

// NewNotifier subscribes to the limiter's violations. A nil callback only logs.
func NewNotifier(l *Limiter, callback Callback, logger hclog.Logger) *Notifier {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	sub := l.Subscribe()
	n := &Notifier{
		callback:  callback,
		logger:    logger,
		closeOnce: sync.OnceFunc(sub.Unsubscribe),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(n.done)
		for v := range sub.C {
			n.deliver(v)
		}
	}()
	return n
}

func (n *Notifier) deliver(v Violation) {
	args := []any{
		"plugin", v.PluginID,
		"violation", v.Type.String(),
		"state", v.State.String(),
		"resource", string(v.Resource),
		"ratio", v.Ratio,
		"cpu_percent", v.Usage.CPUPercent,
		"memory", FormatBytes(v.Usage.MemoryBytes),
		"network", FormatBytes(v.Usage.NetworkBytes),
	}
	switch v.Type {
	case LimitExceeded, Suspended:
		n.logger.Error("resource limit exceeded", args...)
	case ApproachingLimit, Throttled:
		n.logger.Warn("resource usage approaching limit", args...)
	default:
		n.logger.Info("resource usage back to normal", args...)
	}

	if n.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("violation callback panicked", "plugin", v.PluginID, "panic", r)
		}
	}()
	n.callback(v)
}

// Close unsubscribes and waits for pending deliveries. It is safe to call
// Close multiple times.
func (n *Notifier) Close() {
	n.closeOnce()
	<-n.done
}
