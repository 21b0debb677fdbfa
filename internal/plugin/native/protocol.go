package native

import (
	"encoding/gob"

	goplugin "github.com/hashicorp/go-plugin"
)

func init() {
	// Invoke arguments and results travel as interface values.
	gob.RegisterName("map[string]interface {}", map[string]interface{}{})
	gob.RegisterName("[]interface {}", []interface{}{})
	gob.RegisterName("map[string]string", map[string]string{})
}

// Handshake is shared by the host and every native plugin. A binary that
// was not built against this package fails the handshake instead of being
// run as a plugin.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGHOST_PLUGIN",
	MagicCookieValue: "b1f6a1c2-plughost-native",
}

const dispenseName = "guest"

// Capability names reported by a guest.
const (
	CapabilityTheme      = "theme"
	CapabilityTranslator = "translator"
	CapabilitySpeaker    = "speaker"
	CapabilityFeature    = "feature"
)

// InitRequest is sent to the guest when the host initializes it.
type InitRequest struct {
	PluginID    string
	DataDir     string
	Permissions []string
}

// Guest is implemented by native plugin binaries.
type Guest interface {
	Initialize(req InitRequest) error
	Cleanup() error
}

// ThemeGuest supplies a color palette.
type ThemeGuest interface {
	Colors() (map[string]string, error)
}

// TranslatorGuest translates text.
type TranslatorGuest interface {
	Translate(text, from, to string) (string, error)
}

// SpeakerGuest speaks text.
type SpeakerGuest interface {
	Speak(text, voice string) error
}

// FeatureGuest handles named actions.
type FeatureGuest interface {
	Invoke(action string, args map[string]any) (any, error)
}

// capabilitiesOf lists the optional interfaces g implements.
func capabilitiesOf(g Guest) []string {
	var caps []string
	if _, ok := g.(ThemeGuest); ok {
		caps = append(caps, CapabilityTheme)
	}
	if _, ok := g.(TranslatorGuest); ok {
		caps = append(caps, CapabilityTranslator)
	}
	if _, ok := g.(SpeakerGuest); ok {
		caps = append(caps, CapabilitySpeaker)
	}
	if _, ok := g.(FeatureGuest); ok {
		caps = append(caps, CapabilityFeature)
	}
	return caps
}

// pluginSet is the go-plugin plugin map for both sides of the connection.
func pluginSet(impl Guest) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{
		dispenseName: &guestPlugin{Impl: impl},
	}
}

// Serve runs impl as a native plugin. It is called from the plugin
// binary's main function and returns when the host disconnects.
func Serve(impl Guest) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginSet(impl),
	})
}
