package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a call runs past its deadline.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrFunctionNotFound is returned when calling an undefined global function.
	ErrFunctionNotFound = errors.New("lua function not found")

	// ErrNotInitialized is returned by host functions called before the
	// plugin was initialized.
	ErrNotInitialized = errors.New("plugin not initialized")
)
