package plugin

import (
	"fmt"
	"runtime"
	"strings"
)

// Validator checks manifests for structural and semantic correctness
// against a particular host.
type Validator struct {
	hostVersion string
	platform    string
}

// NewValidator creates a validator for the given host version and platform.
// An empty platform means the current GOOS.
func NewValidator(hostVersion, platform string) *Validator {
	if platform == "" {
		platform = runtime.GOOS
	}
	return &Validator{hostVersion: hostVersion, platform: strings.ToLower(platform)}
}

// HostVersion returns the host version manifests are checked against.
func (v *Validator) HostVersion() string {
	return v.hostVersion
}

// Platform returns the host platform manifests are checked against.
func (v *Validator) Platform() string {
	return v.platform
}

// Validate runs every rule in order and returns a *ValidationError for the
// first one that fails.
func (v *Validator) Validate(m *Manifest) error {
	if m == nil {
		return &ValidationError{Rule: RuleRequired, Message: ErrNilManifest.Error()}
	}

	checks := []func(*Manifest) *ValidationError{
		v.checkVersionFormat,
		v.checkHostVersion,
		checkPermissions,
		checkMonetization,
		v.checkPlatform,
		checkRequired,
	}
	for _, check := range checks {
		if err := check(m); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkVersionFormat(m *Manifest) *ValidationError {
	if !IsSemver(m.Version) {
		return &ValidationError{
			Rule:    RuleVersionFormat,
			Field:   "version",
			Message: fmt.Sprintf("%q is not a semantic version", m.Version),
		}
	}
	if !IsSemver(m.MinHostVersion) {
		return &ValidationError{
			Rule:    RuleVersionFormat,
			Field:   "minHostVersion",
			Message: fmt.Sprintf("%q is not a semantic version", m.MinHostVersion),
		}
	}
	return nil
}

func (v *Validator) checkHostVersion(m *Manifest) *ValidationError {
	if CompareVersions(v.hostVersion, m.MinHostVersion) < 0 {
		return &ValidationError{
			Rule:    RuleHostVersion,
			Field:   "minHostVersion",
			Message: fmt.Sprintf("requires host %s or newer, running %s", m.MinHostVersion, v.hostVersion),
		}
	}
	return nil
}

func checkPermissions(m *Manifest) *ValidationError {
	seen := make(map[Permission]bool, len(m.Permissions))
	for _, p := range m.Permissions {
		if seen[p] {
			return &ValidationError{
				Rule:    RulePermissions,
				Field:   "permissions",
				Message: fmt.Sprintf("duplicate permission %q", p),
			}
		}
		seen[p] = true
		if !p.IsKnown() {
			return &ValidationError{
				Rule:    RulePermissions,
				Field:   "permissions",
				Message: fmt.Sprintf("unknown permission %q", p),
			}
		}
	}
	return nil
}

func checkMonetization(m *Manifest) *ValidationError {
	mon := m.Monetization
	if mon == nil {
		return nil
	}
	fail := func(field, format string, args ...any) *ValidationError {
		return &ValidationError{
			Rule:    RuleMonetization,
			Field:   "monetization." + field,
			Message: fmt.Sprintf(format, args...),
		}
	}

	switch mon.Kind {
	case MonetizationFree:
	case MonetizationPremium:
		if mon.Price < 0 {
			return fail("price", "price must not be negative")
		}
		if strings.TrimSpace(mon.Currency) == "" {
			return fail("currency", "currency is required")
		}
		if mon.TrialDays != nil && *mon.TrialDays < 0 {
			return fail("trialDays", "trial length must not be negative")
		}
	case MonetizationFreemium:
		if len(mon.Features) == 0 {
			return fail("features", "freemium plugins must offer at least one feature")
		}
		for i, f := range mon.Features {
			if f.Price < 0 {
				return fail(fmt.Sprintf("features[%d].price", i), "price must not be negative")
			}
			if strings.TrimSpace(f.Currency) == "" {
				return fail(fmt.Sprintf("features[%d].currency", i), "currency is required")
			}
		}
	default:
		return fail("type", "unknown monetization type %q", mon.Kind)
	}
	return nil
}

func (v *Validator) checkPlatform(m *Manifest) *ValidationError {
	if len(m.Platforms) == 0 {
		return &ValidationError{
			Rule:    RulePlatform,
			Field:   "platforms",
			Message: "at least one platform is required",
		}
	}
	if !m.SupportsPlatform(v.platform) {
		return &ValidationError{
			Rule:    RulePlatform,
			Field:   "platforms",
			Message: fmt.Sprintf("platform %s not supported (supports %s)", v.platform, strings.Join(m.Platforms, ", ")),
		}
	}
	return nil
}

func checkRequired(m *Manifest) *ValidationError {
	required := []struct {
		field, value string
	}{
		{"id", m.ID},
		{"name", m.Name},
		{"description", m.Description},
		{"author.name", m.Author.Name},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{
				Rule:    RuleRequired,
				Field:   r.field,
				Message: "must not be blank",
			}
		}
	}
	if m.VersionCode < 1 {
		return &ValidationError{
			Rule:    RuleRequired,
			Field:   "versionCode",
			Message: "must be at least 1",
		}
	}
	return nil
}
