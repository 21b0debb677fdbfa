package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/plugin"
)

const script = `
function initialize()
end

function invoke(action, args)
	return action
end
`

type env struct {
	configPath string
	pluginsDir string
	dataDir    string
	packages   string
}

func newEnv(t *testing.T, extra string) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		configPath: filepath.Join(base, "plughost.toml"),
		pluginsDir: filepath.Join(base, "plugins"),
		dataDir:    filepath.Join(base, "data"),
		packages:   filepath.Join(base, "packages"),
	}
	cfg := fmt.Sprintf(`
[host]
data_dir = %q

[plugins]
dir = %q

[updates]
enabled = false
%s`, e.dataDir, e.pluginsDir, extra)
	require.NoError(t, os.WriteFile(e.configPath, []byte(cfg), 0o644))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(t, context.Background(), args...)
}

func (e *env) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand("1.2.3", "abc", "today")
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"-c", e.configPath}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (e *env) writePackage(t *testing.T, id string, perms ...plugin.Permission) string {
	t.Helper()
	m := &plugin.Manifest{
		ID:             id,
		Name:           "Test " + id,
		Version:        "1.0.0",
		VersionCode:    1,
		Description:    "Test plugin",
		Author:         plugin.Author{Name: "Tester"},
		Type:           plugin.TypeFeature,
		Permissions:    perms,
		MinHostVersion: "1.0.0",
		Platforms:      []string{plugin.PlatformAny},
		Main:           "init.lua",
		Runtime:        plugin.RuntimeLua,
	}
	require.NoError(t, os.MkdirAll(e.packages, 0o755))
	path := filepath.Join(e.packages, id+plugin.PackageExt)
	require.NoError(t, plugin.WritePackage(path, m, map[string][]byte{"init.lua": []byte(script)}))
	return path
}

func TestVersion(t *testing.T) {
	e := newEnv(t, "")
	out, err := e.run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc")
}

func TestListEmpty(t *testing.T) {
	e := newEnv(t, "")
	out, err := e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No plugins installed.")
}

func TestUnknownOutputFormat(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "-o", "xml", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}

func TestInstallListInfoUninstall(t *testing.T) {
	e := newEnv(t, "")
	pkg := e.writePackage(t, "com.example.echo", plugin.PermissionStorage)

	out, err := e.run(t, "install", "--enable", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "Installed com.example.echo 1.0.0")
	assert.FileExists(t, filepath.Join(e.pluginsDir, "com.example.echo"+plugin.PackageExt))

	out, err = e.run(t, "-o", "json", "list")
	require.NoError(t, err)
	var views []pluginView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "com.example.echo", views[0].ID)
	assert.Equal(t, plugin.StatusEnabled, views[0].Status)
	assert.Equal(t, []plugin.Permission{plugin.PermissionStorage}, views[0].Granted)

	out, err = e.run(t, "info", "com.example.echo")
	require.NoError(t, err)
	assert.Contains(t, out, "Test com.example.echo")
	assert.Contains(t, out, "storage")

	out, err = e.run(t, "disable", "com.example.echo")
	require.NoError(t, err)
	assert.Contains(t, out, "Disabled com.example.echo")

	out, err = e.run(t, "uninstall", "com.example.echo")
	require.NoError(t, err)
	assert.Contains(t, out, "Uninstalled com.example.echo")
	assert.NoFileExists(t, filepath.Join(e.pluginsDir, "com.example.echo"+plugin.PackageExt))

	out, err = e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No plugins installed.")
}

func TestInfoUnknownPlugin(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "info", "com.example.missing")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	e := newEnv(t, "")
	pkg := e.writePackage(t, "com.example.valid", plugin.PermissionNetwork)

	out, err := e.run(t, "validate", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "Package is valid")
	assert.Contains(t, out, "network")
	assert.NotContains(t, out, "GRANTED")

	bad := filepath.Join(e.packages, "bad"+plugin.PackageExt)
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o644))
	_, err = e.run(t, "validate", bad)
	require.Error(t, err)
}

func TestPermissionsGrantRevoke(t *testing.T) {
	e := newEnv(t, "")
	pkg := e.writePackage(t, "com.example.net", plugin.PermissionNetwork)
	_, err := e.run(t, "install", pkg)
	require.NoError(t, err)

	views := func() []permissionView {
		out, err := e.run(t, "-o", "json", "permissions", "com.example.net")
		require.NoError(t, err)
		var v []permissionView
		require.NoError(t, json.Unmarshal([]byte(out), &v))
		return v
	}

	v := views()
	require.Len(t, v, 1)
	assert.True(t, v[0].Sensitive)
	assert.False(t, v[0].Granted)

	out, err := e.run(t, "permissions", "grant", "com.example.net", "network")
	require.NoError(t, err)
	assert.Contains(t, out, "Granted network to com.example.net")
	assert.True(t, views()[0].Granted)

	_, err = e.run(t, "permissions", "grant", "com.example.net", "storage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared")

	_, err = e.run(t, "permissions", "grant", "com.example.net", "teleport")
	require.Error(t, err)

	_, err = e.run(t, "permissions", "revoke", "com.example.net", "network")
	require.NoError(t, err)
	assert.False(t, views()[0].Granted)
}

func TestResumeNotSuspended(t *testing.T) {
	e := newEnv(t, "")
	pkg := e.writePackage(t, "com.example.calm")
	_, err := e.run(t, "install", "--enable", pkg)
	require.NoError(t, err)

	_, err = e.run(t, "resume", "com.example.calm")
	require.Error(t, err)
}

func TestUpdatesDisabled(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "updates", "check")
	require.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	e := newEnv(t, `marketplace_token = "s3cret"`)

	out, err := e.run(t, "-o", "json", "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, e.dataDir, decoded["Host"]["DataDir"])
	assert.Equal(t, "REDACTED", decoded["Updates"]["MarketplaceToken"])

	out, err = e.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir")
	assert.NotContains(t, out, "s3cret")
}

func TestConfigPathAndInit(t *testing.T) {
	e := newEnv(t, "")
	out, err := e.run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, e.configPath, strings.TrimSpace(out))

	e.configPath = filepath.Join(t.TempDir(), "nested", "plughost.toml")
	out, err = e.run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	assert.FileExists(t, e.configPath)

	_, err = e.run(t, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestServeUntilCancelled(t *testing.T) {
	e := newEnv(t, "")
	pkg := e.writePackage(t, "com.example.served", plugin.PermissionStorage)
	_, err := e.run(t, "install", "--enable", pkg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out, err := e.runContext(t, ctx, "serve")
	require.NoError(t, err)
	assert.Contains(t, out, "1 loaded, 1 started")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run(t, "serve", "--watch", e.pluginsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch_dir")
}
