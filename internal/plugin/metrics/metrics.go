// Package metrics tracks per-plugin performance: how long a plugin took to
// load, how long its operations take and how often they fail.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operations with a meaning of their own. Load and enable both count as
// the plugin's load time.
const (
	OpLoad   = "load"
	OpEnable = "enable"
)

// Recorder collects metrics for every plugin that reported an operation.
// Recording is lock-free once a plugin's entry exists.
type Recorder struct {
	mu      sync.RWMutex
	plugins map[string]*pluginMetrics
	now     func() time.Time
}

type pluginMetrics struct {
	loadNs atomic.Int64

	opCount   atomic.Uint64
	opErrors  atomic.Uint64
	opTotalNs atomic.Int64
	opMinNs   atomic.Int64
	opMaxNs   atomic.Int64

	lastErr atomic.Pointer[errorRecord]
}

type errorRecord struct {
	op  string
	msg string
	at  time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock used for error timestamps and timers.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder creates an empty recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		plugins: make(map[string]*pluginMetrics),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) entry(id string) *pluginMetrics {
	r.mu.RLock()
	m, ok := r.plugins[id]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.plugins[id]; ok {
		return m
	}
	m = &pluginMetrics{}
	// Initialize min to max int64 so the first operation will be smaller
	m.opMinNs.Store(1<<63 - 1)
	r.plugins[id] = m
	return m
}

// Start begins timing an operation. The returned function ends it and
// records the outcome; call it exactly once.
func (r *Recorder) Start(id, op string) func(err error) {
	start := r.now()
	return func(err error) {
		r.Record(id, op, r.now().Sub(start), err)
	}
}

// Record records a finished operation.
func (r *Recorder) Record(id, op string, d time.Duration, err error) {
	m := r.entry(id)
	ns := d.Nanoseconds()

	if op == OpLoad || op == OpEnable {
		m.loadNs.Store(ns)
	}

	m.opCount.Add(1)
	m.opTotalNs.Add(ns)
	for {
		old := m.opMinNs.Load()
		if ns >= old || m.opMinNs.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.opMaxNs.Load()
		if ns <= old || m.opMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}

	if err != nil {
		m.opErrors.Add(1)
		m.lastErr.Store(&errorRecord{op: op, msg: err.Error(), at: r.now()})
	}
}

// Snapshot returns the metrics of one plugin. Unknown plugins yield a zero
// snapshot carrying only the id.
func (r *Recorder) Snapshot(id string) Snapshot {
	r.mu.RLock()
	m, ok := r.plugins[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{PluginID: id}
	}
	return m.snapshot(id)
}

// All returns a snapshot per plugin, sorted by id.
func (r *Recorder) All() []Snapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.plugins))
	entries := make(map[string]*pluginMetrics, len(r.plugins))
	for id, m := range r.plugins {
		ids = append(ids, id)
		entries[id] = m
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Snapshot, len(ids))
	for i, id := range ids {
		out[i] = entries[id].snapshot(id)
	}
	return out
}

// Remove forgets a plugin.
func (r *Recorder) Remove(id string) {
	r.mu.Lock()
	delete(r.plugins, id)
	r.mu.Unlock()
}

// Reset forgets every plugin.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.plugins = make(map[string]*pluginMetrics)
	r.mu.Unlock()
}

func (m *pluginMetrics) snapshot(id string) Snapshot {
	count := m.opCount.Load()
	errs := m.opErrors.Load()

	s := Snapshot{
		PluginID:     id,
		LoadTime:     time.Duration(m.loadNs.Load()),
		Operations:   count,
		Errors:       errs,
		MaxOperation: time.Duration(m.opMaxNs.Load()),
	}
	if count > 0 {
		s.AvgOperation = time.Duration(m.opTotalNs.Load() / int64(count))
		s.MinOperation = time.Duration(m.opMinNs.Load())
		s.ErrorRate = float64(errs) / float64(count)
	}
	if rec := m.lastErr.Load(); rec != nil {
		s.LastError = rec.msg
		s.LastErrorOp = rec.op
		s.LastErrorAt = rec.at
	}
	return s
}

// Snapshot is a point-in-time view of a plugin's performance.
type Snapshot struct {
	PluginID     string        `json:"pluginId" yaml:"plugin_id"`
	LoadTime     time.Duration `json:"loadTime" yaml:"load_time"`
	Operations   uint64        `json:"operations" yaml:"operations"`
	Errors       uint64        `json:"errors" yaml:"errors"`
	ErrorRate    float64       `json:"errorRate" yaml:"error_rate"`
	AvgOperation time.Duration `json:"avgOperation" yaml:"avg_operation"`
	MinOperation time.Duration `json:"minOperation" yaml:"min_operation"`
	MaxOperation time.Duration `json:"maxOperation" yaml:"max_operation"`

	LastError   string    `json:"lastError,omitempty" yaml:"last_error,omitempty"`
	LastErrorOp string    `json:"lastErrorOp,omitempty" yaml:"last_error_op,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty" yaml:"last_error_at,omitempty"`

	// Filled in by the caller from resource tracking.
	MemoryBytes uint64 `json:"memoryBytes" yaml:"memory_bytes"`
	MemoryLimit uint64 `json:"memoryLimit" yaml:"memory_limit"`
}

// MemoryPercent returns memory use as a percentage of the limit, or 0 when
// no limit is known.
func (s Snapshot) MemoryPercent() float64 {
	if s.MemoryLimit == 0 {
		return 0
	}
	return float64(s.MemoryBytes) / float64(s.MemoryLimit) * 100
}
