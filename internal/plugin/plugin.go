package plugin

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// Plugin is a loaded plugin instance. Instances are owned by the Registry
// and must tolerate Cleanup being called more than once.
type Plugin interface {
	// Manifest returns the manifest the plugin was loaded from.
	Manifest() *Manifest

	// Initialize is called when the plugin is enabled. The host context is
	// the plugin's only route to host resources.
	Initialize(ctx context.Context, host Context) error

	// Cleanup is called when the plugin is disabled or uninstalled.
	Cleanup() error

	// Capabilities returns the capability implementations the plugin opts into.
	Capabilities() Capabilities
}

// Theme is implemented by plugins that provide a color scheme.
type Theme interface {
	Colors(ctx context.Context) (map[string]string, error)
}

// Translator is implemented by plugins that translate text.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Speaker is implemented by text-to-speech plugins.
type Speaker interface {
	Speak(ctx context.Context, text, voice string) error
}

// FeatureProvider is implemented by plugins that expose named actions.
type FeatureProvider interface {
	Invoke(ctx context.Context, action string, args map[string]any) (any, error)
}

// Capabilities is the set of capability implementations a plugin provides.
// Nil fields are capabilities the plugin does not offer.
type Capabilities struct {
	Theme      Theme
	Translator Translator
	Speaker    Speaker
	Feature    FeatureProvider
}

// Has returns true if the capability matching the plugin type is present.
func (c Capabilities) Has(t Type) bool {
	switch t {
	case TypeTheme:
		return c.Theme != nil
	case TypeTranslation:
		return c.Translator != nil
	case TypeTTS:
		return c.Speaker != nil
	case TypeFeature:
		return c.Feature != nil
	}
	return false
}

// Types returns the plugin types the capabilities cover.
func (c Capabilities) Types() []Type {
	var types []Type
	for _, t := range []Type{TypeTheme, TypeTranslation, TypeTTS, TypeFeature} {
		if c.Has(t) {
			types = append(types, t)
		}
	}
	return types
}

// Context is the host surface exposed to plugin code. Every call that
// touches a host resource is checked against the plugin's permissions.
type Context interface {
	PluginID() string
	DataDir() string

	// HasPermission returns true if the permission is declared and granted.
	HasPermission(p Permission) bool

	// File access within the plugin's data directory.
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	RemoveFile(name string) error

	// HTTPClient returns a client whose requests are checked against the
	// network policy and counted as the plugin's network usage.
	HTTPClient() *http.Client

	// Preferences returns the plugin's key/value store. Without the
	// preferences permission every call fails.
	Preferences() Preferences

	// Notify shows a notification to the user.
	Notify(title, body string) error

	// ReportUsage lets the plugin report its own CPU and memory consumption.
	ReportUsage(cpuPercent float64, memoryBytes uint64)

	Logger() hclog.Logger
}

// Preferences is a plugin-private key/value store.
type Preferences interface {
	GetString(key, def string) (string, error)
	GetInt(key string, def int64) (int64, error)
	GetBool(key string, def bool) (bool, error)
	Set(key string, value any) error
	Delete(key string) error
	Keys() ([]string, error)
}
