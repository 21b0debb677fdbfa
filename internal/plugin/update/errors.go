package update

import "errors"

// Update errors.
var (
	// ErrNoUpdate is returned when no newer version is known for a plugin.
	ErrNoUpdate = errors.New("no update available")

	// ErrVersionNotInHistory is returned when rolling back to a version the
	// plugin never had.
	ErrVersionNotInHistory = errors.New("version not found in update history")

	// ErrChecksumMismatch is returned when a download does not match the
	// checksum published by the marketplace.
	ErrChecksumMismatch = errors.New("download checksum mismatch")
)
