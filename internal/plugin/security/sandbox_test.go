package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dshills/plughost/internal/plugin"
)

func newTestSandbox(t *testing.T, policy NetworkPolicy, grant ...plugin.Permission) *Sandbox {
	t.Helper()
	m := testManifest("com.example.box", plugin.PermissionStorage, plugin.PermissionNetwork, plugin.PermissionPreferences)
	pm, _ := newTestPermissions(t, m)
	for _, p := range grant {
		require.True(t, pm.GrantPermission(context.Background(), m.ID, p).Granted())
	}
	sb, err := NewSandbox(m, filepath.Join(t.TempDir(), m.ID), pm, policy)
	require.NoError(t, err)
	return sb
}

func TestSandboxCreatesDataDir(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{})
	info, err := os.Stat(sb.DataDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSandboxCheckPermissionNeedsDeclaredAndGranted(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{}, plugin.PermissionStorage)

	assert.True(t, sb.CheckPermission(plugin.PermissionStorage))
	assert.False(t, sb.CheckPermission(plugin.PermissionNetwork), "declared but not granted")
	assert.False(t, sb.CheckPermission(plugin.PermissionAudioPlayback), "not declared")

	err := sb.RequirePermission(plugin.PermissionAudioPlayback, "play")
	var permErr *PermissionError
	require.True(t, errors.As(err, &permErr))
	assert.False(t, permErr.Declared)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
}

func TestSandboxFileAccess(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{}, plugin.PermissionStorage)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"relative", "notes.txt", true},
		{"nested", "a/b/c.json", true},
		{"data dir itself", sb.DataDir(), true},
		{"absolute inside", filepath.Join(sb.DataDir(), "x"), true},
		{"parent traversal", "../escape.txt", false},
		{"deep traversal", "a/../../escape.txt", false},
		{"absolute outside", "/etc/passwd", false},
		{"sibling prefix", sb.DataDir() + "-other/file", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sb.RestrictFileAccess(tt.path); got != tt.want {
				t.Errorf("RestrictFileAccess(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSandboxTraversalIsSecurityError(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{}, plugin.PermissionStorage)

	_, err := sb.CheckFileAccess("../../etc/passwd")
	var secErr *SecurityError
	require.True(t, errors.As(err, &secErr))
	assert.True(t, errors.Is(err, ErrAccessViolation))
}

func TestSandboxFileAccessWithoutStorage(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{})

	_, err := sb.CheckFileAccess("notes.txt")
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	// Traversal is reported as a path violation even without storage.
	_, err = sb.CheckFileAccess("../x")
	assert.True(t, errors.Is(err, ErrAccessViolation))
}

func TestSandboxSymlinkEscape(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{}, plugin.PermissionStorage)
	outside := t.TempDir()
	link := filepath.Join(sb.DataDir(), "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	assert.False(t, sb.RestrictFileAccess("link/secret.txt"))
}

func TestSandboxTraversalProperty(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{}, plugin.PermissionStorage)
	segment := rapid.SampledFrom([]string{"..", ".", "a", "b", "c.txt"})

	rapid.Check(t, func(rt *rapid.T) {
		parts := rapid.SliceOfN(segment, 1, 8).Draw(rt, "parts")
		rel := filepath.Join(parts...)

		depth, escapes := 0, false
		for _, p := range parts {
			switch p {
			case "..":
				depth--
			case ".":
			default:
				depth++
			}
			if depth < 0 {
				escapes = true
			}
		}

		resolved, err := sb.CheckFileAccess(strings.Join(parts, string(filepath.Separator)))
		if escapes {
			if err == nil {
				rt.Fatalf("CheckFileAccess(%q) = %q, want rejection", rel, resolved)
			}
			return
		}
		if err != nil {
			rt.Fatalf("CheckFileAccess(%q) error = %v", rel, err)
		}
		if !isWithinPath(resolved, sb.DataDir()) {
			rt.Fatalf("CheckFileAccess(%q) = %q outside %q", rel, resolved, sb.DataDir())
		}
	})
}

func TestSandboxNetworkAccess(t *testing.T) {
	policy := NetworkPolicy{
		AllowHosts: []string{"api.example.com", "*.cdn.example.com"},
		BlockHosts: []string{"bad.cdn.example.com"},
	}
	sb := newTestSandbox(t, policy, plugin.PermissionNetwork)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.example.com/v1", true},
		{"https://API.EXAMPLE.COM:8443/v1", true},
		{"wss://img.cdn.example.com/socket", true},
		{"https://bad.cdn.example.com/x", false},
		{"https://other.com/", false},
		{"ftp://api.example.com/", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := sb.RestrictNetworkAccess(tt.url); got != tt.want {
			t.Errorf("RestrictNetworkAccess(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestSandboxNetworkRequiresPermission(t *testing.T) {
	sb := newTestSandbox(t, NetworkPolicy{})
	err := sb.CheckNetworkAccess("https://example.com")
	assert.True(t, errors.Is(err, ErrPermissionDenied))
}

func TestIsWithinPath(t *testing.T) {
	tests := []struct {
		target, base string
		want         bool
	}{
		{"/tmp/data", "/tmp/data", true},
		{"/tmp/data/file", "/tmp/data", true},
		{"/tmp/database", "/tmp/data", false},
		{"/tmp", "/tmp/data", false},
		{"/tmp/data/..hidden", "/tmp/data", true},
	}
	for _, tt := range tests {
		if got := isWithinPath(tt.target, tt.base); got != tt.want {
			t.Errorf("isWithinPath(%q, %q) = %v, want %v", tt.target, tt.base, got, tt.want)
		}
	}
}

func TestMatchHost(t *testing.T) {
	tests := []struct {
		host, pattern string
		want          bool
	}{
		{"example.com", "example.com", true},
		{"Example.com", "example.COM", true},
		{"a.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"badexample.com", "*.example.com", false},
	}
	for _, tt := range tests {
		if got := matchHost(tt.host, tt.pattern); got != tt.want {
			t.Errorf("matchHost(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}
