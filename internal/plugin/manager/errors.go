package manager

import (
	"errors"
	"fmt"
)

// Manager errors.
var (
	// ErrAlreadyInstalled is returned when installing a plugin id that is
	// already installed.
	ErrAlreadyInstalled = errors.New("plugin already installed")

	// ErrPurchaseRequired is returned when installing a premium plugin that
	// was not purchased and has no active trial.
	ErrPurchaseRequired = errors.New("plugin requires purchase")

	// ErrNotEnabled is returned when running an operation on a plugin that
	// is not enabled.
	ErrNotEnabled = errors.New("plugin is not enabled")

	// ErrSuspended is returned when running an operation on a plugin that
	// was suspended for exceeding its resource limits.
	ErrSuspended = errors.New("plugin is suspended")

	// ErrIDMismatch is returned when a replacement package carries another
	// plugin id.
	ErrIDMismatch = errors.New("plugin id mismatch")
)

// OperationError wraps any failure of a plugin operation, including panics
// in plugin code, so raw plugin failures never escape the manager.
type OperationError struct {
	PluginID  string
	Operation string
	Err       error

	// Panicked is true when the plugin panicked rather than returning an
	// error.
	Panicked bool
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("plugin %s: %s panicked: %v", e.PluginID, e.Operation, e.Err)
	}
	return fmt.Sprintf("plugin %s: %s failed: %v", e.PluginID, e.Operation, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OperationError) Unwrap() error {
	return e.Err
}
