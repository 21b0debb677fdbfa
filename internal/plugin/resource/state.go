package resource

// State is a plugin's position in the enforcement state machine.
type State int

// Enforcement states.
const (
	// StateNormal - Usage is under the soft threshold.
	StateNormal State = iota

	// StateThrottled - Usage is above the soft threshold; operations are slowed.
	StateThrottled

	// StateSuspended - A hard limit was exceeded; the plugin must be resumed
	// or terminated explicitly.
	StateSuspended
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateThrottled:
		return "throttled"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// transition computes the next state for a usage sample and the violation
// types the change produces, in emission order.
func transition(current State, u Usage, l Limits) (State, []ViolationType) {
	_, ratio := u.Peak(l)

	switch current {
	case StateNormal:
		switch {
		case ratio > HardThreshold:
			return StateSuspended, []ViolationType{LimitExceeded, Suspended}
		case ratio > SoftThreshold:
			return StateThrottled, []ViolationType{ApproachingLimit, Throttled}
		}
	case StateThrottled:
		switch {
		case ratio > HardThreshold:
			return StateSuspended, []ViolationType{LimitExceeded, Suspended}
		case ratio <= SoftThreshold:
			return StateNormal, []ViolationType{Resumed}
		}
	}
	return current, nil
}
