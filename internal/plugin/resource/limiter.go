package resource

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/loop"
	"github.com/dshills/plughost/internal/stream"
)

// Limiter defaults.
const (
	DefaultEnforceInterval = 5 * time.Second
	DefaultThrottleDelay   = 100 * time.Millisecond
)

// Limiter applies the enforcement state machine to every tracked plugin.
type Limiter struct {
	tracker       *Tracker
	throttleDelay time.Duration
	events        *stream.Feed[Violation]
	loop          *loop.Loop
	logger        hclog.Logger
	now           func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*limiterConfig)

type limiterConfig struct {
	interval      time.Duration
	throttleDelay time.Duration
	buffer        int
	logger        hclog.Logger
	now           func() time.Time
}

// WithEnforceInterval sets the time between enforcement passes.
func WithEnforceInterval(d time.Duration) LimiterOption {
	return func(c *limiterConfig) {
		c.interval = d
	}
}

// WithThrottleDelay sets the delay applied to operations of throttled plugins.
func WithThrottleDelay(d time.Duration) LimiterOption {
	return func(c *limiterConfig) {
		c.throttleDelay = d
	}
}

// WithEventBuffer sets how many violations a slow subscriber may fall behind.
func WithEventBuffer(n int) LimiterOption {
	return func(c *limiterConfig) {
		c.buffer = n
	}
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(logger hclog.Logger) LimiterOption {
	return func(c *limiterConfig) {
		c.logger = logger
	}
}

// WithLimiterClock sets the clock used to timestamp violations.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(c *limiterConfig) {
		c.now = now
	}
}

// NewLimiter creates a limiter over the tracker's monitors.
func NewLimiter(tracker *Tracker, opts ...LimiterOption) *Limiter {
	cfg := limiterConfig{
		interval:      DefaultEnforceInterval,
		throttleDelay: DefaultThrottleDelay,
		buffer:        64,
		logger:        hclog.NewNullLogger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Limiter{
		tracker:       tracker,
		throttleDelay: cfg.throttleDelay,
		events:        stream.NewFeed[Violation](cfg.buffer),
		logger:        cfg.logger,
		now:           cfg.now,
	}
	l.loop = loop.New(cfg.interval, func(ctx context.Context) {
		l.Enforce(ctx)
	})
	return l
}

// Start launches the periodic enforcement loop. Starting a running limiter
// is a no-op.
func (l *Limiter) Start() {
	if l.loop.Start() {
		l.logger.Debug("resource enforcement started", "interval", l.loop.Interval())
	}
}

// Stop halts the enforcement loop, letting an in-flight pass finish.
// It is safe to call Stop multiple times.
func (l *Limiter) Stop() {
	l.loop.Stop()
}

// Running returns true while the enforcement loop is active.
func (l *Limiter) Running() bool {
	return l.loop.Running()
}

// Enforce runs one enforcement pass. Suspended plugins are skipped.
// Cancellation is checked between plugins.
func (l *Limiter) Enforce(ctx context.Context) {
	for _, m := range l.tracker.Monitors() {
		if ctx.Err() != nil {
			return
		}
		if m.State() == StateSuspended {
			continue
		}

		_, next, events, usage, limits := m.evaluate()
		for _, typ := range events {
			l.emit(m.id, typ, next, usage, limits)
		}
	}
}

func (l *Limiter) emit(id string, typ ViolationType, state State, usage Usage, limits Limits) {
	resource, ratio := usage.Peak(limits)
	l.events.Send(Violation{
		PluginID:  id,
		Type:      typ,
		State:     state,
		Resource:  resource,
		Ratio:     ratio,
		Usage:     usage,
		Limits:    limits,
		Timestamp: l.now(),
	})
}

// State returns a plugin's enforcement state. Untracked plugins are normal.
func (l *Limiter) State(id string) State {
	m, ok := l.tracker.Monitor(id)
	if !ok {
		return StateNormal
	}
	return m.State()
}

// Delay returns how long an operation of the plugin should wait before
// running: the throttle delay while throttled, zero otherwise.
func (l *Limiter) Delay(id string) time.Duration {
	if l.State(id) == StateThrottled {
		return l.throttleDelay
	}
	return 0
}

// Resume returns a throttled or suspended plugin to normal and emits RESUMED.
// It returns false if the plugin is untracked or already normal.
func (l *Limiter) Resume(id string) bool {
	m, ok := l.tracker.Monitor(id)
	if !ok {
		return false
	}
	if prev := m.setState(StateNormal); prev == StateNormal {
		return false
	}
	usage, _ := m.Latest()
	l.emit(id, Resumed, StateNormal, usage, m.Limits())
	return true
}

// Reset clears a plugin's history and state without emitting an event.
func (l *Limiter) Reset(id string) {
	if m, ok := l.tracker.Monitor(id); ok {
		m.reset()
	}
}

// Suspended returns the plugins currently suspended.
func (l *Limiter) Suspended() []string {
	var ids []string
	for _, m := range l.tracker.Monitors() {
		if m.State() == StateSuspended {
			ids = append(ids, m.id)
		}
	}
	return ids
}

// Exceeding returns plugins that are suspended or whose latest sample is
// above a hard limit.
func (l *Limiter) Exceeding() []string {
	var ids []string
	for _, m := range l.tracker.Monitors() {
		if m.State() == StateSuspended {
			ids = append(ids, m.id)
			continue
		}
		if u, ok := m.Latest(); ok && u.Exceeds(m.Limits()) {
			ids = append(ids, m.id)
		}
	}
	return ids
}

// Subscribe returns a subscription to violation events.
func (l *Limiter) Subscribe() *stream.Subscription[Violation] {
	return l.events.Subscribe()
}

// Close stops the loop and ends every subscription.
func (l *Limiter) Close() {
	l.Stop()
	l.events.Close()
}
