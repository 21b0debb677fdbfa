package resource

import (
	"fmt"
	"time"
)

// ViolationType classifies a state-machine transition.
type ViolationType int

// Violation types.
const (
	ApproachingLimit ViolationType = iota
	LimitExceeded
	Throttled
	Suspended
	Resumed
)

// String returns the violation type name.
func (t ViolationType) String() string {
	switch t {
	case ApproachingLimit:
		return "APPROACHING_LIMIT"
	case LimitExceeded:
		return "LIMIT_EXCEEDED"
	case Throttled:
		return "THROTTLED"
	case Suspended:
		return "SUSPENDED"
	case Resumed:
		return "RESUMED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the type by name.
func (t ViolationType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Violation is published for every enforcement transition. It carries the
// usage snapshot that triggered it.
type Violation struct {
	PluginID  string        `json:"pluginId"`
	Type      ViolationType `json:"type"`
	State     State         `json:"-"`
	Resource  Resource      `json:"resource"`
	Ratio     float64       `json:"ratio"`
	Usage     Usage         `json:"usage"`
	Limits    Limits        `json:"limits"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error describes the violation. Violations are events rather than
// failures, but they are also used as termination reasons.
func (v Violation) Error() string {
	switch v.Type {
	case Resumed:
		return fmt.Sprintf("plugin %s resumed: usage back under limits", v.PluginID)
	default:
		return fmt.Sprintf("plugin %s %s: %s at %.0f%% of limit", v.PluginID, v.Type, v.Resource, v.Ratio*100)
	}
}
