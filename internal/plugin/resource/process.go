package resource

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSource samples CPU and memory from operating-system processes for
// plugins that run out of process. Plugins without an attached process fall
// back to the embedded ReportingSource; network usage is always counted there.
type ProcessSource struct {
	*ReportingSource

	mu        sync.Mutex
	processes map[string]*process.Process
}

// NewProcessSource creates a source backed by fallback.
func NewProcessSource(fallback *ReportingSource) *ProcessSource {
	if fallback == nil {
		fallback = NewReportingSource()
	}
	return &ProcessSource{
		ReportingSource: fallback,
		processes:       make(map[string]*process.Process),
	}
}

// Attach associates a plugin with the process that runs it.
func (s *ProcessSource) Attach(id string, pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("attach %s to pid %d: %w", id, pid, err)
	}
	// Prime the CPU counter so the first sample measures a real interval.
	_, _ = p.Percent(0)

	s.mu.Lock()
	s.processes[id] = p
	s.mu.Unlock()
	return nil
}

// Detach forgets the plugin's process.
func (s *ProcessSource) Detach(id string) {
	s.mu.Lock()
	delete(s.processes, id)
	s.mu.Unlock()
}

// StopMonitoring detaches the process and discards collected data.
func (s *ProcessSource) StopMonitoring(id string) {
	s.Detach(id)
	s.ReportingSource.StopMonitoring(id)
}

// Sample reads the attached process, or the reported usage if none.
func (s *ProcessSource) Sample(id string) (Usage, error) {
	u, err := s.ReportingSource.Sample(id)
	if err != nil {
		return u, err
	}

	s.mu.Lock()
	p, ok := s.processes[id]
	s.mu.Unlock()
	if !ok {
		return u, nil
	}

	cpu, err := p.Percent(0)
	if err != nil {
		return u, fmt.Errorf("sample cpu of %s: %w", id, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return u, fmt.Errorf("sample memory of %s: %w", id, err)
	}
	u.CPUPercent = cpu
	u.MemoryBytes = mem.RSS
	return u, nil
}
