// Package native runs plugins compiled to standalone executables.
//
// A native plugin is a binary shipped inside the package and named by the
// manifest's main entry. The host extracts it, starts it as a child
// process and talks to it over net/rpc using hashicorp/go-plugin. The
// process boundary is the sandbox: the plugin receives its data directory
// and granted permissions at initialization, and its CPU and memory are
// sampled from the operating system rather than self-reported.
//
// Plugin authors implement Guest, optionally along with ThemeGuest,
// TranslatorGuest, SpeakerGuest and FeatureGuest, and call Serve from main.
package native
