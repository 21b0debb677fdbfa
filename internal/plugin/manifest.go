package plugin

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Type is the kind of functionality a plugin provides.
type Type string

// Plugin types.
const (
	TypeTheme       Type = "theme"
	TypeTranslation Type = "translation"
	TypeTTS         Type = "tts"
	TypeFeature     Type = "feature"
)

// UnmarshalJSON accepts any letter case.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = Type(strings.ToLower(strings.TrimSpace(s)))
	return nil
}

// IsKnown returns true for the four supported plugin types.
func (t Type) IsKnown() bool {
	switch t {
	case TypeTheme, TypeTranslation, TypeTTS, TypeFeature:
		return true
	}
	return false
}

// Runtime kinds understood by the loader.
const (
	RuntimeLua    = "lua"
	RuntimeJS     = "js"
	RuntimeNative = "native"
)

// PlatformAny matches every host platform.
const PlatformAny = "any"

// Author identifies who published a plugin.
type Author struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// MonetizationKind is the pricing model of a plugin.
type MonetizationKind string

// Pricing models.
const (
	MonetizationFree     MonetizationKind = "free"
	MonetizationPremium  MonetizationKind = "premium"
	MonetizationFreemium MonetizationKind = "freemium"
)

// Monetization describes how a plugin is paid for.
// Price, Currency and TrialDays apply to premium plugins; Features to freemium.
type Monetization struct {
	Kind      MonetizationKind `json:"type"`
	Price     float64          `json:"price,omitempty"`
	Currency  string           `json:"currency,omitempty"`
	TrialDays *int             `json:"trialDays,omitempty"`
	Features  []Feature        `json:"features,omitempty"`
}

// Feature is a purchasable part of a freemium plugin.
type Feature struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
}

// IsPremium returns true if the plugin must be purchased before install.
func (m *Monetization) IsPremium() bool {
	return m != nil && m.Kind == MonetizationPremium
}

// Manifest describes a plugin's identity, requirements and declared permissions.
// A manifest is never mutated after parsing; updates replace it.
type Manifest struct {
	// Identity
	ID          string `json:"id"`          // Globally unique (e.g., "com.example.sepia")
	Name        string `json:"name"`        // Human-readable name
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	VersionCode int    `json:"versionCode"` // Monotonic, used for ordering
	Description string `json:"description"`
	Author      Author `json:"author"`
	Type        Type   `json:"type"`

	// Requirements
	Permissions    []Permission `json:"permissions"`
	MinHostVersion string       `json:"minHostVersion"`
	Platforms      []string     `json:"platforms"`

	// Entry point inside the package and the runtime that executes it.
	// Runtime defaults from the extension of Main.
	Main    string `json:"main,omitempty"`
	Runtime string `json:"runtime,omitempty"`

	IconURL      string            `json:"iconUrl,omitempty"`
	Monetization *Monetization     `json:"monetization,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ParseManifest decodes a manifest and applies defaults. It does not validate.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	m.applyDefaults()
	return &m, nil
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
	if m.Runtime == "" {
		m.Runtime = runtimeForEntry(m.Main)
	}
	m.Runtime = strings.ToLower(m.Runtime)
}

func runtimeForEntry(entry string) string {
	switch strings.ToLower(path.Ext(entry)) {
	case ".lua":
		return RuntimeLua
	case ".js":
		return RuntimeJS
	default:
		return RuntimeNative
	}
}

// RuntimeKind returns the runtime that executes the plugin.
func (m *Manifest) RuntimeKind() string {
	if m.Runtime != "" {
		return strings.ToLower(m.Runtime)
	}
	return runtimeForEntry(m.Main)
}

// HasPermission returns true if the plugin declares the permission.
func (m *Manifest) HasPermission(p Permission) bool {
	for _, d := range m.Permissions {
		if d == p {
			return true
		}
	}
	return false
}

// SupportsPlatform returns true if the plugin declares the platform or "any".
func (m *Manifest) SupportsPlatform(platform string) bool {
	for _, p := range m.Platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == PlatformAny || p == strings.ToLower(platform) {
			return true
		}
	}
	return false
}

// IsNewerThan returns true if m supersedes other by version code.
func (m *Manifest) IsNewerThan(other *Manifest) bool {
	return other == nil || m.VersionCode > other.VersionCode
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	display := m.Name
	if display == "" {
		display = m.ID
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Permissions != nil {
		clone.Permissions = make([]Permission, len(m.Permissions))
		copy(clone.Permissions, m.Permissions)
	}

	if m.Platforms != nil {
		clone.Platforms = make([]string, len(m.Platforms))
		copy(clone.Platforms, m.Platforms)
	}

	if m.Monetization != nil {
		mon := *m.Monetization
		if mon.TrialDays != nil {
			days := *mon.TrialDays
			mon.TrialDays = &days
		}
		if mon.Features != nil {
			mon.Features = make([]Feature, len(m.Monetization.Features))
			copy(mon.Features, m.Monetization.Features)
		}
		clone.Monetization = &mon
	}

	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}
