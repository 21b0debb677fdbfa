package update

import "time"

// Phase is the step an update of one plugin is in.
type Phase int

// Update phases.
const (
	PhaseIdle Phase = iota
	PhaseDownloading
	PhaseDownloaded
	PhaseInstalling
	PhaseRollingBack
	PhaseCompleted
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDownloading:
		return "downloading"
	case PhaseDownloaded:
		return "downloaded"
	case PhaseInstalling:
		return "installing"
	case PhaseRollingBack:
		return "rolling_back"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status is the progress of an update. Progress is a percentage and only
// meaningful while downloading; Message is set for failures.
type Status struct {
	Phase    Phase  `json:"phase"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Release is a version of a plugin published in the marketplace.
type Release struct {
	Version     string    `json:"version" yaml:"version"`
	VersionCode int       `json:"versionCode" yaml:"version_code"`
	Changelog   string    `json:"changelog,omitempty" yaml:"changelog,omitempty"`
	DownloadURL string    `json:"downloadUrl" yaml:"download_url"`
	ReleaseDate time.Time `json:"releaseDate" yaml:"release_date"`

	// Checksum is the hex SHA-256 of the package, if published.
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Available is a newer release of an installed plugin.
type Available struct {
	PluginID           string  `json:"pluginId" yaml:"plugin_id"`
	CurrentVersion     string  `json:"currentVersion" yaml:"current_version"`
	CurrentVersionCode int     `json:"currentVersionCode" yaml:"current_version_code"`
	Latest             Release `json:"latest" yaml:"latest"`
}

// Notification summarizes the available updates for a badge or banner.
type Notification struct {
	Count   int         `json:"count"`
	Updates []Available `json:"updates"`
}
