// Package plugin defines the plugin model shared by the host: manifests,
// permissions, packages, the registry of installed plugins and the loader
// that turns package files into running plugin instances.
//
// # Packages
//
// A plugin ships as a single zip file with the .plugin extension. The
// archive holds a manifest.json at its root plus the entry point named by
// the manifest:
//
//	com.example.sync.plugin
//	├── manifest.json
//	└── main.lua
//
// The manifest identifies the plugin and states what it needs:
//
//	{
//	  "id": "com.example.sync",
//	  "name": "Sync",
//	  "version": "1.2.0",
//	  "versionCode": 12,
//	  "type": "feature",
//	  "runtime": "lua",
//	  "main": "main.lua",
//	  "permissions": ["storage", "network"],
//	  "minHostVersion": "1.0.0",
//	  "platforms": ["any"]
//	}
//
// Validate checks a manifest against the running host (version and
// platform) before anything is instantiated.
//
// # Runtimes
//
// The loader dispatches on the manifest's runtime to a registered Runtime.
// The lua, js and native subpackages provide the implementations. Every
// runtime hands plugin code a Context, the only way a plugin reaches host
// resources.
//
// # Registry
//
// The Registry keeps live plugin instances by id and mirrors their Info
// (status, timestamps, manifest) into a Database. Statuses survive
// restarts; instances do not.
//
// # Permissions
//
// Permissions are declared in the manifest and granted separately. A
// permission is effective only when both hold. Sensitive permissions
// require explicit approval; see the security subpackage.
package plugin
