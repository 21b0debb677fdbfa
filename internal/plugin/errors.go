package plugin

import (
	"errors"
	"fmt"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrNilPlugin is returned when a nil plugin is registered.
	ErrNilPlugin = errors.New("plugin is nil")

	// ErrUnknownPermission is returned for tokens outside the permission set.
	ErrUnknownPermission = errors.New("unknown permission")

	// ErrMissingManifest is returned when a package has no metadata entry.
	ErrMissingManifest = errors.New("package has no " + ManifestEntry + " entry")

	// ErrMalformedManifest is returned when the metadata entry cannot be decoded.
	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrUnsupportedRuntime is returned when no instantiator handles a manifest's runtime.
	ErrUnsupportedRuntime = errors.New("unsupported plugin runtime")

	// ErrEntryNotFound is returned when a package lacks a requested entry.
	ErrEntryNotFound = errors.New("package entry not found")

	// ErrInvalidPackage is returned when a file is not a plugin package.
	ErrInvalidPackage = errors.New("invalid plugin package")

	// ErrDuplicatePlugin is returned when two packages carry the same id.
	ErrDuplicatePlugin = errors.New("duplicate plugin id")
)

// Rule identifies which validation rule rejected a manifest.
type Rule string

// Validation rules, in evaluation order.
const (
	RuleVersionFormat Rule = "version_format"
	RuleHostVersion   Rule = "host_version"
	RulePermissions   Rule = "permissions"
	RuleMonetization  Rule = "monetization"
	RulePlatform      Rule = "platform"
	RuleRequired      Rule = "required_field"
)

// ValidationError describes the first validation rule a manifest failed.
// A manifest that fails validation must never be trusted.
type ValidationError struct {
	Rule    Rule
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid manifest: %s: %s", e.Field, e.Message)
	}
	return "invalid manifest: " + e.Message
}

// Stage identifies the step of package loading that failed.
type Stage string

// Load stages.
const (
	StageExtract     Stage = "extract"
	StageValidate    Stage = "validate"
	StageInstantiate Stage = "instantiate"
)

// LoadError is returned when a single package cannot be loaded.
type LoadError struct {
	// File is the base name of the offending package.
	File  string
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.File, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}
