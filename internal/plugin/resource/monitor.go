package resource

import "sync"

// DefaultHistorySize is the number of samples a Monitor keeps.
const DefaultHistorySize = 60

// Monitor holds the limits, sample history and enforcement state of one plugin.
type Monitor struct {
	mu sync.Mutex

	id     string
	limits Limits
	state  State

	// Ring buffer of samples; next is the slot the next sample goes to.
	history []Usage
	next    int
	count   int
}

func newMonitor(id string, limits Limits, historySize int) *Monitor {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Monitor{
		id:      id,
		limits:  limits,
		history: make([]Usage, historySize),
	}
}

// PluginID returns the monitored plugin.
func (m *Monitor) PluginID() string {
	return m.id
}

// Record appends a sample, evicting the oldest when the history is full.
func (m *Monitor) Record(u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[m.next] = u
	m.next = (m.next + 1) % len(m.history)
	if m.count < len(m.history) {
		m.count++
	}
}

// History returns the recorded samples, oldest first.
func (m *Monitor) History() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Usage, 0, m.count)
	start := (m.next - m.count + len(m.history)) % len(m.history)
	for i := 0; i < m.count; i++ {
		out = append(out, m.history[(start+i)%len(m.history)])
	}
	return out
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestLocked()
}

func (m *Monitor) latestLocked() (Usage, bool) {
	if m.count == 0 {
		return Usage{}, false
	}
	return m.history[(m.next-1+len(m.history))%len(m.history)], true
}

// Average returns the mean of the recorded samples.
func (m *Monitor) Average() Usage {
	history := m.History()
	if len(history) == 0 {
		return Usage{}
	}
	var cpu, mem, net float64
	for _, u := range history {
		cpu += u.CPUPercent
		mem += float64(u.MemoryBytes)
		net += float64(u.NetworkBytes)
	}
	n := float64(len(history))
	return Usage{
		CPUPercent:   cpu / n,
		MemoryBytes:  uint64(mem / n),
		NetworkBytes: uint64(net / n),
		Timestamp:    history[len(history)-1].Timestamp,
	}
}

// Limits returns the plugin's limits.
func (m *Monitor) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// SetLimits replaces the plugin's limits.
func (m *Monitor) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
}

// State returns the enforcement state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// evaluate applies the state machine to the latest sample.
func (m *Monitor) evaluate() (State, State, []ViolationType, Usage, Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	latest, ok := m.latestLocked()
	if !ok {
		return prev, prev, nil, Usage{}, m.limits
	}
	next, events := transition(prev, latest, m.limits)
	m.state = next
	return prev, next, events, latest, m.limits
}

// setState forces the state and returns the previous one.
func (m *Monitor) setState(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s
	return prev
}

// reset clears history and returns the monitor to normal.
func (m *Monitor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateNormal
	m.next = 0
	m.count = 0
	for i := range m.history {
		m.history[i] = Usage{}
	}
}
