package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Permission is a coarse-grained right to access a category of host resources.
// A plugin must declare a permission in its manifest before it can be granted.
type Permission string

// Known permissions.
const (
	PermissionNetwork                Permission = "network"
	PermissionStorage                Permission = "storage"
	PermissionReaderContext          Permission = "reader_context"
	PermissionLibraryAccess          Permission = "library_access"
	PermissionPreferences            Permission = "preferences"
	PermissionNotifications          Permission = "notifications"
	PermissionCatalogWrite           Permission = "catalog_write"
	PermissionSyncData               Permission = "sync_data"
	PermissionBackgroundService      Permission = "background_service"
	PermissionLocalServer            Permission = "local_server"
	PermissionImageProcessing        Permission = "image_processing"
	PermissionUIInjection            Permission = "ui_injection"
	PermissionGlossaryAccess         Permission = "glossary_access"
	PermissionCharacterDatabase      Permission = "character_database"
	PermissionAudioPlayback          Permission = "audio_playback"
	PermissionExternalEndpointAccess Permission = "external_endpoint_access"
)

// RiskLevel indicates how dangerous a permission is.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// PermissionInfo provides metadata about a permission.
type PermissionInfo struct {
	// Name is the permission token.
	Name Permission

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the permission allows.
	Description string

	// RiskLevel indicates how dangerous this permission is.
	RiskLevel RiskLevel

	// Sensitive permissions require interactive user approval.
	// Non-sensitive permissions are granted automatically on request.
	Sensitive bool
}

var permissionRegistry = map[Permission]PermissionInfo{
	PermissionNetwork: {
		Name:        PermissionNetwork,
		DisplayName: "Network Access",
		Description: "Make network requests to remote hosts",
		RiskLevel:   RiskHigh,
		Sensitive:   true,
	},
	PermissionStorage: {
		Name:        PermissionStorage,
		DisplayName: "Storage",
		Description: "Read and write files in the plugin's private data directory",
		RiskLevel:   RiskMedium,
	},
	PermissionReaderContext: {
		Name:        PermissionReaderContext,
		DisplayName: "Reader Context",
		Description: "Read the current book, chapter and reading position",
		RiskLevel:   RiskLow,
	},
	PermissionLibraryAccess: {
		Name:        PermissionLibraryAccess,
		DisplayName: "Library Access",
		Description: "Read the user's library and reading history",
		RiskLevel:   RiskMedium,
		Sensitive:   true,
	},
	PermissionPreferences: {
		Name:        PermissionPreferences,
		DisplayName: "Preferences",
		Description: "Store plugin settings",
		RiskLevel:   RiskLow,
	},
	PermissionNotifications: {
		Name:        PermissionNotifications,
		DisplayName: "Notifications",
		Description: "Show notifications to the user",
		RiskLevel:   RiskLow,
	},
	PermissionCatalogWrite: {
		Name:        PermissionCatalogWrite,
		DisplayName: "Catalog Write",
		Description: "Add, modify or remove books in the catalog",
		RiskLevel:   RiskHigh,
		Sensitive:   true,
	},
	PermissionSyncData: {
		Name:        PermissionSyncData,
		DisplayName: "Sync Data",
		Description: "Synchronize reading data with external services",
		RiskLevel:   RiskHigh,
		Sensitive:   true,
	},
	PermissionBackgroundService: {
		Name:        PermissionBackgroundService,
		DisplayName: "Background Service",
		Description: "Run work while the plugin is not in the foreground",
		RiskLevel:   RiskMedium,
		Sensitive:   true,
	},
	PermissionLocalServer: {
		Name:        PermissionLocalServer,
		DisplayName: "Local Server",
		Description: "Listen for connections on a local port",
		RiskLevel:   RiskHigh,
		Sensitive:   true,
	},
	PermissionImageProcessing: {
		Name:        PermissionImageProcessing,
		DisplayName: "Image Processing",
		Description: "Process images such as covers and illustrations",
		RiskLevel:   RiskLow,
	},
	PermissionUIInjection: {
		Name:        PermissionUIInjection,
		DisplayName: "UI Injection",
		Description: "Add screens and menu entries to the host interface",
		RiskLevel:   RiskMedium,
		Sensitive:   true,
	},
	PermissionGlossaryAccess: {
		Name:        PermissionGlossaryAccess,
		DisplayName: "Glossary Access",
		Description: "Read and edit translation glossaries",
		RiskLevel:   RiskLow,
	},
	PermissionCharacterDatabase: {
		Name:        PermissionCharacterDatabase,
		DisplayName: "Character Database",
		Description: "Read and edit the character database",
		RiskLevel:   RiskLow,
	},
	PermissionAudioPlayback: {
		Name:        PermissionAudioPlayback,
		DisplayName: "Audio Playback",
		Description: "Play audio through the host",
		RiskLevel:   RiskLow,
	},
	PermissionExternalEndpointAccess: {
		Name:        PermissionExternalEndpointAccess,
		DisplayName: "External Endpoint Access",
		Description: "Send data to user-configured external endpoints",
		RiskLevel:   RiskHigh,
		Sensitive:   true,
	},
}

// ParsePermission parses a permission token. Parsing is case-insensitive and
// accepts hyphens in place of underscores.
func ParsePermission(s string) (Permission, error) {
	p := normalizePermission(s)
	if !p.IsKnown() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

func normalizePermission(s string) Permission {
	s = strings.ToLower(strings.TrimSpace(s))
	return Permission(strings.ReplaceAll(s, "-", "_"))
}

// UnmarshalJSON normalizes the token. Unknown tokens are kept so that the
// validator can report them.
func (p *Permission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = normalizePermission(s)
	return nil
}

// IsKnown returns true if the permission is part of the closed set.
func (p Permission) IsKnown() bool {
	_, ok := permissionRegistry[p]
	return ok
}

// Info returns the metadata for the permission.
func (p Permission) Info() (PermissionInfo, bool) {
	info, ok := permissionRegistry[p]
	return info, ok
}

// IsSensitive returns true if granting requires interactive approval.
// Unknown permissions are treated as sensitive.
func (p Permission) IsSensitive() bool {
	info, ok := permissionRegistry[p]
	if !ok {
		return true
	}
	return info.Sensitive
}

// RiskLevel returns the fixed risk level. Unknown permissions are high risk.
func (p Permission) RiskLevel() RiskLevel {
	info, ok := permissionRegistry[p]
	if !ok {
		return RiskHigh
	}
	return info.RiskLevel
}

// Description returns a short explanation of what the permission allows.
func (p Permission) Description() string {
	if info, ok := permissionRegistry[p]; ok {
		return info.Description
	}
	return "Unknown permission"
}

// DisplayName returns a human-readable name.
func (p Permission) DisplayName() string {
	if info, ok := permissionRegistry[p]; ok {
		return info.DisplayName
	}
	return string(p)
}

// String returns the permission token.
func (p Permission) String() string {
	return string(p)
}

// AllPermissions returns every known permission sorted by token.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(permissionRegistry))
	for p := range permissionRegistry {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// SensitivePermissions returns permissions that require user approval.
func SensitivePermissions() []Permission {
	var perms []Permission
	for _, p := range AllPermissions() {
		if p.IsSensitive() {
			perms = append(perms, p)
		}
	}
	return perms
}
