package security

import (
	"errors"
	"fmt"

	"github.com/dshills/plughost/internal/plugin"
)

// Security errors.
var (
	// ErrPermissionDenied is matched by every *PermissionError.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAccessViolation is matched by every *SecurityError.
	ErrAccessViolation = errors.New("sandbox restriction violated")

	// ErrPreferencesDenied is returned by the preference store of a plugin
	// without the preferences permission.
	ErrPreferencesDenied = errors.New("preferences permission not granted")

	// ErrNoSandbox is returned when a plugin has no active sandbox.
	ErrNoSandbox = errors.New("plugin has no active sandbox")

	// ErrInvalidKey is returned for preference keys outside [A-Za-z0-9_-].
	ErrInvalidKey = errors.New("invalid preference key")

	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("operation rate exceeded")
)

// PermissionError is returned when an operation needs a permission the
// plugin has not declared or has not been granted.
type PermissionError struct {
	PluginID   string
	Permission plugin.Permission
	Operation  string
	Declared   bool
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	reason := "not granted"
	if !e.Declared {
		reason = "not declared"
	}
	if e.Operation != "" {
		return fmt.Sprintf("plugin %s: permission %q required for %s: %s", e.PluginID, e.Permission, e.Operation, reason)
	}
	return fmt.Sprintf("plugin %s: permission %q: %s", e.PluginID, e.Permission, reason)
}

// Is reports whether target is ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// SecurityError is returned when a sandbox path or network restriction is
// violated, independently of permissions.
type SecurityError struct {
	PluginID string
	Resource string
	Reason   string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("plugin %s: access to %s denied: %s", e.PluginID, e.Resource, e.Reason)
}

// Is reports whether target is ErrAccessViolation.
func (e *SecurityError) Is(target error) bool {
	return target == ErrAccessViolation
}
