package app

import (
	"errors"
	"fmt"
)

// Application errors.
var (
	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrNotRunning indicates an operation needs a started application.
	ErrNotRunning = errors.New("application not running")

	// ErrNotSuspended is returned when resuming a plugin that is not suspended.
	ErrNotSuspended = errors.New("plugin is not suspended")

	// ErrUpdatesDisabled is returned by update operations when no
	// marketplace is configured.
	ErrUpdatesDisabled = errors.New("updates are disabled")
)

// InitError reports a component that failed to initialize.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
