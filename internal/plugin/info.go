package plugin

import "time"

// Info is the persisted projection of an installed plugin: its manifest
// combined with runtime status and provenance.
type Info struct {
	ID          string    `json:"id"`
	Manifest    *Manifest `json:"manifest"`
	Status      Status    `json:"status"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Purchased   bool      `json:"purchased,omitempty"`

	// Marketplace metadata
	Rating    float64 `json:"rating,omitempty"`
	Downloads int64   `json:"downloads,omitempty"`

	// Provenance
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	DownloadURL   string `json:"downloadUrl,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
}

// NewInfo creates a disabled record for a freshly installed manifest.
func NewInfo(m *Manifest, now time.Time) *Info {
	return &Info{
		ID:          m.ID,
		Manifest:    m,
		Status:      StatusDisabled,
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy that shares nothing mutable with the original.
func (i *Info) Clone() *Info {
	c := *i
	if i.Manifest != nil {
		c.Manifest = i.Manifest.Clone()
	}
	return &c
}
