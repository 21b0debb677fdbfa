// Package loop runs a function periodically in a background goroutine.
//
// Start and Stop are idempotent. Stop does not interrupt a pass that is
// already running: the pass receives a context that is not cancelled by
// Stop, and the stop request is only observed between passes.
package loop

import (
	"context"
	"sync"
	"time"
)

// Func is one pass of a loop.
type Func func(ctx context.Context)

// Loop calls a Func on a fixed interval.
type Loop struct {
	mu sync.Mutex

	interval  time.Duration
	fn        Func
	immediate bool

	closeCh chan struct{}
	done    chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// Immediately runs the first pass as soon as the loop starts instead of
// after the first interval.
func Immediately() Option {
	return func(l *Loop) {
		l.immediate = true
	}
}

// New creates a stopped loop.
func New(interval time.Duration, fn Func, opts ...Option) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	l := &Loop{interval: interval, fn: fn}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the time between passes.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Start launches the loop. It returns false if the loop was already running.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closeCh != nil {
		return false
	}
	l.closeCh = make(chan struct{})
	l.done = make(chan struct{})

	go l.run(l.closeCh, l.done)
	return true
}

// Stop halts the loop and waits for an in-flight pass to finish.
// It is safe to call Stop multiple times, including on a loop that never started.
func (l *Loop) Stop() {
	l.mu.Lock()
	closeCh, done := l.closeCh, l.done
	l.closeCh, l.done = nil, nil
	l.mu.Unlock()

	if closeCh == nil {
		return
	}
	close(closeCh)
	<-done
}

// Running returns true while the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCh != nil
}

func (l *Loop) run(closeCh, done chan struct{}) {
	defer close(done)

	ctx := context.Background()

	if l.immediate {
		l.fn(ctx)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			// Prefer stopping over starting another pass.
			select {
			case <-closeCh:
				return
			default:
			}
			l.fn(ctx)
		}
	}
}
