package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/loop"
	"github.com/dshills/plughost/internal/stream"
)

// DefaultSampleInterval is the time between tracker samples.
const DefaultSampleInterval = 5 * time.Second

// Tracker samples a Source for every tracked plugin. The sampling loop runs
// only while at least one plugin is tracked.
type Tracker struct {
	mu sync.Mutex
	// runMu serializes starting and stopping the sampling loop. It is
	// never held by a sampling pass, so Stop may wait on one.
	runMu sync.Mutex

	source      Source
	monitors    map[string]*Monitor
	historySize int
	loop        *loop.Loop
	usage       *stream.Value[map[string]Usage]
	logger      hclog.Logger
	now         func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*trackerConfig)

type trackerConfig struct {
	interval    time.Duration
	historySize int
	logger      hclog.Logger
	now         func() time.Time
}

// WithSampleInterval sets the time between samples.
func WithSampleInterval(d time.Duration) TrackerOption {
	return func(c *trackerConfig) {
		c.interval = d
	}
}

// WithHistorySize sets how many samples each monitor keeps.
func WithHistorySize(n int) TrackerOption {
	return func(c *trackerConfig) {
		c.historySize = n
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger hclog.Logger) TrackerOption {
	return func(c *trackerConfig) {
		c.logger = logger
	}
}

// WithTrackerClock sets the clock used to timestamp samples.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(c *trackerConfig) {
		c.now = now
	}
}

// NewTracker creates a tracker reading from source.
func NewTracker(source Source, opts ...TrackerOption) *Tracker {
	cfg := trackerConfig{
		interval:    DefaultSampleInterval,
		historySize: DefaultHistorySize,
		logger:      hclog.NewNullLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := &Tracker{
		source:      source,
		monitors:    make(map[string]*Monitor),
		historySize: cfg.historySize,
		usage:       stream.NewValue(map[string]Usage{}),
		logger:      cfg.logger,
		now:         cfg.now,
	}
	t.loop = loop.New(cfg.interval, func(ctx context.Context) {
		t.SampleOnce(ctx)
	})
	return t
}

// Source returns the usage source.
func (t *Tracker) Source() Source {
	return t.source
}

// Track starts monitoring a plugin with the given limits. Tracking an
// already tracked plugin updates its limits. Tracking starts the sampling
// loop if it is not running.
func (t *Tracker) Track(id string, limits Limits) *Monitor {
	t.mu.Lock()
	m, ok := t.monitors[id]
	if ok {
		m.SetLimits(limits)
	} else {
		m = newMonitor(id, limits, t.historySize)
		t.monitors[id] = m
		t.source.StartMonitoring(id)
	}
	t.mu.Unlock()

	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.tracking() && t.loop.Start() {
		t.logger.Debug("resource sampling started")
	}
	return m
}

// Untrack stops monitoring a plugin. Untracking the last plugin stops the
// sampling loop. Untracking an unknown plugin is a no-op.
func (t *Tracker) Untrack(id string) {
	t.mu.Lock()
	_, ok := t.monitors[id]
	if ok {
		delete(t.monitors, id)
		t.source.StopMonitoring(id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.publish()

	t.runMu.Lock()
	defer t.runMu.Unlock()
	if !t.tracking() && t.loop.Running() {
		t.loop.Stop()
		t.logger.Debug("resource sampling stopped")
	}
}

func (t *Tracker) tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.monitors) > 0
}

// Stop halts the sampling loop. Tracking another plugin restarts it.
// It is safe to call Stop multiple times.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	t.loop.Stop()
}

// Running returns true while the sampling loop is active.
func (t *Tracker) Running() bool {
	return t.loop.Running()
}

// Monitor returns the monitor for a plugin.
func (t *Tracker) Monitor(id string) (*Monitor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.monitors[id]
	return m, ok
}

// Monitors returns every monitor sorted by plugin id.
func (t *Tracker) Monitors() []*Monitor {
	t.mu.Lock()
	monitors := make([]*Monitor, 0, len(t.monitors))
	for _, m := range t.monitors {
		monitors = append(monitors, m)
	}
	t.mu.Unlock()

	sort.Slice(monitors, func(i, j int) bool { return monitors[i].id < monitors[j].id })
	return monitors
}

// SetLimits changes the limits of a tracked plugin.
func (t *Tracker) SetLimits(id string, limits Limits) bool {
	m, ok := t.Monitor(id)
	if ok {
		m.SetLimits(limits)
	}
	return ok
}

// Usage returns the latest sample for a plugin.
func (t *Tracker) Usage(id string) (Usage, bool) {
	m, ok := t.Monitor(id)
	if !ok {
		return Usage{}, false
	}
	return m.Latest()
}

// Snapshot returns the latest sample of every tracked plugin.
func (t *Tracker) Snapshot() map[string]Usage {
	snapshot := make(map[string]Usage)
	for _, m := range t.Monitors() {
		if u, ok := m.Latest(); ok {
			snapshot[m.id] = u
		}
	}
	return snapshot
}

// SubscribeUsage returns a subscription to the aggregated usage map.
func (t *Tracker) SubscribeUsage() *stream.Subscription[map[string]Usage] {
	return t.usage.Subscribe()
}

// SampleOnce samples every tracked plugin and publishes the usage map.
// Cancellation is checked between plugins.
func (t *Tracker) SampleOnce(ctx context.Context) {
	for _, m := range t.Monitors() {
		if ctx.Err() != nil {
			return
		}
		u, err := t.source.Sample(m.id)
		if err != nil {
			t.logger.Debug("sample failed", "plugin", m.id, "error", err)
			continue
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = t.now()
		}
		m.Record(u)
	}
	t.publish()
}

func (t *Tracker) publish() {
	t.usage.Set(t.Snapshot())
}
