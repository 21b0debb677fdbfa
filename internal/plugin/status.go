package plugin

// Status is the persisted lifecycle status of an installed plugin.
type Status string

// Plugin statuses.
const (
	// StatusNotInstalled - Plugin is known (e.g. from the marketplace) but not installed.
	StatusNotInstalled Status = "not_installed"

	// StatusEnabled - Plugin is installed and running.
	StatusEnabled Status = "enabled"

	// StatusDisabled - Plugin is installed but not running.
	StatusDisabled Status = "disabled"

	// StatusError - Plugin failed to initialize or was terminated.
	StatusError Status = "error"

	// StatusUpdating - Plugin is being replaced by a newer version.
	StatusUpdating Status = "updating"
)

// String returns a string representation of the status.
func (s Status) String() string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

// IsInstalled returns true for every status other than not installed.
func (s Status) IsInstalled() bool {
	return s != StatusNotInstalled && s != ""
}
