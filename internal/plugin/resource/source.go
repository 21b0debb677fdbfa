package resource

import (
	"errors"
	"sync"
	"time"
)

// ErrNotMonitored is returned when sampling a plugin that is not monitored.
var ErrNotMonitored = errors.New("plugin is not monitored")

// Source reports per-plugin resource usage.
type Source interface {
	StartMonitoring(id string)
	StopMonitoring(id string)
	Sample(id string) (Usage, error)
	RecordNetworkUsage(id string, bytes uint64)
}

// ReportingSource collects usage that plugins report about themselves plus
// network traffic observed by the host.
type ReportingSource struct {
	mu sync.Mutex

	window  time.Duration
	now     func() time.Time
	plugins map[string]*reported
}

type reported struct {
	cpuPercent  float64
	memoryBytes uint64
	network     *byteWindow
}

// SourceOption configures a ReportingSource.
type SourceOption func(*ReportingSource)

// WithNetworkWindow sets the window network bytes are counted over.
func WithNetworkWindow(d time.Duration) SourceOption {
	return func(s *ReportingSource) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithSourceClock sets the clock used for windows and timestamps.
func WithSourceClock(now func() time.Time) SourceOption {
	return func(s *ReportingSource) {
		s.now = now
	}
}

// NewReportingSource creates an empty source.
func NewReportingSource(opts ...SourceOption) *ReportingSource {
	s := &ReportingSource{
		window:  time.Minute,
		now:     time.Now,
		plugins: make(map[string]*reported),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartMonitoring begins collecting for id. Existing data is kept.
func (s *ReportingSource) StartMonitoring(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[id]; !ok {
		s.plugins[id] = &reported{network: newByteWindow(s.window, s.now())}
	}
}

// StopMonitoring discards everything collected for id.
func (s *ReportingSource) StopMonitoring(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plugins, id)
}

// Report records a plugin's self-reported CPU and memory consumption.
// Reports for unmonitored plugins are ignored.
func (s *ReportingSource) Report(id string, cpuPercent float64, memoryBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.plugins[id]; ok {
		r.cpuPercent = cpuPercent
		r.memoryBytes = memoryBytes
	}
}

// RecordNetworkUsage adds transferred bytes to the plugin's window.
func (s *ReportingSource) RecordNetworkUsage(id string, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.plugins[id]; ok {
		r.network.add(bytes, s.now())
	}
}

// Sample returns the latest reported usage.
func (s *ReportingSource) Sample(id string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.plugins[id]
	if !ok {
		return Usage{}, ErrNotMonitored
	}
	now := s.now()
	return Usage{
		CPUPercent:   r.cpuPercent,
		MemoryBytes:  r.memoryBytes,
		NetworkBytes: r.network.total(now),
		Timestamp:    now,
	}, nil
}

// byteWindow approximates a sliding-window byte count from the current and
// previous fixed windows.
type byteWindow struct {
	size     time.Duration
	start    time.Time
	current  uint64
	previous uint64
}

func newByteWindow(size time.Duration, now time.Time) *byteWindow {
	return &byteWindow{size: size, start: now}
}

func (w *byteWindow) advance(now time.Time) {
	elapsed := now.Sub(w.start)
	if elapsed < w.size {
		return
	}
	if elapsed < 2*w.size {
		w.previous = w.current
	} else {
		w.previous = 0
	}
	w.current = 0
	w.start = w.start.Add(elapsed.Truncate(w.size))
}

func (w *byteWindow) add(bytes uint64, now time.Time) {
	w.advance(now)
	w.current += bytes
}

func (w *byteWindow) total(now time.Time) uint64 {
	w.advance(now)
	weight := 1 - float64(now.Sub(w.start))/float64(w.size)
	return w.current + uint64(float64(w.previous)*weight)
}
