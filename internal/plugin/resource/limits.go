package resource

import (
	"fmt"
	"time"
)

// Thresholds as a fraction of a limit.
const (
	SoftThreshold = 0.8
	HardThreshold = 1.0
)

// Resource names a governed resource.
type Resource string

// Governed resources.
const (
	CPU     Resource = "cpu"
	Memory  Resource = "memory"
	Network Resource = "network"
)

// Limits are the hard limits for a plugin. A zero maximum means the resource
// is not limited.
type Limits struct {
	MaxCPUPercent   float64       `json:"maxCpuPercent" toml:"max_cpu_percent"`
	MaxMemoryBytes  uint64        `json:"maxMemoryBytes" toml:"max_memory_bytes"`
	MaxNetworkBytes uint64        `json:"maxNetworkBytes" toml:"max_network_bytes"`
	NetworkWindow   time.Duration `json:"networkWindow" toml:"network_window"`
}

// DefaultLimits returns 50% CPU, 64 MiB memory and 10 MiB of network
// traffic per minute.
func DefaultLimits() Limits {
	return Limits{
		MaxCPUPercent:   50,
		MaxMemoryBytes:  64 * 1024 * 1024,
		MaxNetworkBytes: 10 * 1024 * 1024,
		NetworkWindow:   time.Minute,
	}
}

// Override returns l with every non-zero field of o applied.
func (l Limits) Override(o Limits) Limits {
	if o.MaxCPUPercent > 0 {
		l.MaxCPUPercent = o.MaxCPUPercent
	}
	if o.MaxMemoryBytes > 0 {
		l.MaxMemoryBytes = o.MaxMemoryBytes
	}
	if o.MaxNetworkBytes > 0 {
		l.MaxNetworkBytes = o.MaxNetworkBytes
	}
	if o.NetworkWindow > 0 {
		l.NetworkWindow = o.NetworkWindow
	}
	return l
}

// String returns a compact description of the limits.
func (l Limits) String() string {
	return fmt.Sprintf("cpu=%.0f%% memory=%s network=%s/%s",
		l.MaxCPUPercent, FormatBytes(l.MaxMemoryBytes), FormatBytes(l.MaxNetworkBytes), l.NetworkWindow)
}

// Usage is a sampled snapshot of a plugin's resource consumption.
// NetworkBytes counts traffic within the limits' network window.
type Usage struct {
	CPUPercent   float64   `json:"cpuPercent"`
	MemoryBytes  uint64    `json:"memoryBytes"`
	NetworkBytes uint64    `json:"networkBytes"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ratio returns usage of r as a fraction of its limit, or 0 if unlimited.
func (u Usage) Ratio(r Resource, l Limits) float64 {
	switch r {
	case CPU:
		if l.MaxCPUPercent > 0 {
			return u.CPUPercent / l.MaxCPUPercent
		}
	case Memory:
		if l.MaxMemoryBytes > 0 {
			return float64(u.MemoryBytes) / float64(l.MaxMemoryBytes)
		}
	case Network:
		if l.MaxNetworkBytes > 0 {
			return float64(u.NetworkBytes) / float64(l.MaxNetworkBytes)
		}
	}
	return 0
}

// Peak returns the resource closest to (or furthest past) its limit.
func (u Usage) Peak(l Limits) (Resource, float64) {
	peak, ratio := CPU, u.Ratio(CPU, l)
	for _, r := range []Resource{Memory, Network} {
		if v := u.Ratio(r, l); v > ratio {
			peak, ratio = r, v
		}
	}
	return peak, ratio
}

// Exceeds returns true if any resource is above its hard limit.
func (u Usage) Exceeds(l Limits) bool {
	_, ratio := u.Peak(l)
	return ratio > HardThreshold
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
