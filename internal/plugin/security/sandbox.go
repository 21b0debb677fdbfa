package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/plughost/internal/plugin"
)

// PermissionChecker reports whether a permission is currently granted.
type PermissionChecker interface {
	IsPermissionGranted(id string, p plugin.Permission) bool
}

// NetworkPolicy restricts which hosts plugins may contact. Patterns match
// exactly or as "*.example.com" suffixes. Blocked hosts take precedence;
// an empty allow list allows every host that is not blocked.
type NetworkPolicy struct {
	AllowHosts []string `toml:"allow_hosts"`
	BlockHosts []string `toml:"block_hosts"`
}

func (p NetworkPolicy) normalized() NetworkPolicy {
	lower := func(hosts []string) []string {
		out := make([]string, 0, len(hosts))
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				out = append(out, h)
			}
		}
		return out
	}
	return NetworkPolicy{AllowHosts: lower(p.AllowHosts), BlockHosts: lower(p.BlockHosts)}
}

// Sandbox enforces one plugin's permission, file and network restrictions.
type Sandbox struct {
	pluginID string
	manifest *plugin.Manifest
	dataDir  string
	checker  PermissionChecker
	policy   NetworkPolicy
}

// NewSandbox creates the plugin's data directory and a sandbox rooted there.
func NewSandbox(m *plugin.Manifest, dataDir string, checker PermissionChecker, policy NetworkPolicy) (*Sandbox, error) {
	if m == nil {
		return nil, plugin.ErrNilManifest
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory for %s: %w", m.ID, err)
	}
	root, err := canonicalPath(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory for %s: %w", m.ID, err)
	}
	return &Sandbox{
		pluginID: m.ID,
		manifest: m,
		dataDir:  root,
		checker:  checker,
		policy:   policy.normalized(),
	}, nil
}

// PluginID returns the sandboxed plugin.
func (s *Sandbox) PluginID() string {
	return s.pluginID
}

// Manifest returns the sandboxed plugin's manifest.
func (s *Sandbox) Manifest() *plugin.Manifest {
	return s.manifest
}

// DataDir returns the canonical data directory.
func (s *Sandbox) DataDir() string {
	return s.dataDir
}

// CheckPermission returns true only if the permission is both declared in
// the manifest and currently granted.
func (s *Sandbox) CheckPermission(p plugin.Permission) bool {
	return s.manifest.HasPermission(p) && s.checker.IsPermissionGranted(s.pluginID, p)
}

// RequirePermission returns a *PermissionError unless CheckPermission holds.
func (s *Sandbox) RequirePermission(p plugin.Permission, operation string) error {
	if s.CheckPermission(p) {
		return nil
	}
	return &PermissionError{
		PluginID:   s.pluginID,
		Permission: p,
		Operation:  operation,
		Declared:   s.manifest.HasPermission(p),
	}
}

// ResolvePath maps a path to its canonical absolute form. Relative paths are
// taken relative to the data directory. Paths outside the data directory
// are rejected with a *SecurityError whatever the plugin's permissions.
func (s *Sandbox) ResolvePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dataDir, path)
	}
	resolved, err := canonicalPath(path)
	if err != nil {
		return "", &SecurityError{PluginID: s.pluginID, Resource: path, Reason: err.Error()}
	}
	if !isWithinPath(resolved, s.dataDir) {
		return "", &SecurityError{PluginID: s.pluginID, Resource: path, Reason: "outside plugin data directory"}
	}
	return resolved, nil
}

// CheckFileAccess resolves path and requires the storage permission.
func (s *Sandbox) CheckFileAccess(path string) (string, error) {
	resolved, err := s.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if err := s.RequirePermission(plugin.PermissionStorage, "file access"); err != nil {
		return "", err
	}
	return resolved, nil
}

// RestrictFileAccess returns true if the plugin may access path.
func (s *Sandbox) RestrictFileAccess(path string) bool {
	_, err := s.CheckFileAccess(path)
	return err == nil
}

// CheckNetworkAccess requires the network permission and applies the host
// policy to the URL's host.
func (s *Sandbox) CheckNetworkAccess(rawURL string) error {
	if err := s.RequirePermission(plugin.PermissionNetwork, "network request"); err != nil {
		return err
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &SecurityError{PluginID: s.pluginID, Resource: rawURL, Reason: "invalid URL"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return &SecurityError{PluginID: s.pluginID, Resource: rawURL, Reason: "unsupported scheme " + u.Scheme}
	}

	host := strings.ToLower(extractHost(u.Host))

	for _, blocked := range s.policy.BlockHosts {
		if matchHost(host, blocked) {
			return &SecurityError{PluginID: s.pluginID, Resource: host, Reason: "host is blocked"}
		}
	}
	if len(s.policy.AllowHosts) > 0 {
		for _, allowed := range s.policy.AllowHosts {
			if matchHost(host, allowed) {
				return nil
			}
		}
		return &SecurityError{PluginID: s.pluginID, Resource: host, Reason: "host not in allowed list"}
	}
	return nil
}

// RestrictNetworkAccess returns true if the plugin may contact the URL.
func (s *Sandbox) RestrictNetworkAccess(rawURL string) bool {
	return s.CheckNetworkAccess(rawURL) == nil
}

// canonicalPath returns an absolute, clean path with symlinks resolved for
// the longest prefix that exists.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

// isWithinPath checks if target is within or equal to base using filepath.Rel.
// This properly handles edge cases like "/tmp/data" not matching "/tmp/database".
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// extractHost extracts the host from a host:port string.
// Handles IPv6 addresses like [::1]:8080 and regular host:port.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// matchHost checks if a host matches a pattern (case-insensitive).
// Supports wildcard matching (e.g., "*.example.com").
func matchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
