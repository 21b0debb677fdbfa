// Package manager composes the plugin loader, registry, security manager
// and resource limiter into the lifecycle operations used by the rest of
// the host: load, install, uninstall, enable, disable and replace plugins,
// delegate permission decisions, run plugin operations behind an error
// containment boundary, and terminate plugins that exceed their limits.
//
// Every mutating operation republishes the plugin list, so observers
// subscribe instead of polling. No lock is held while plugin code runs.
package manager
