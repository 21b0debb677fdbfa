package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/feed"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/manager"
	"github.com/dshills/plughost/internal/plugin/security"
)

const echoScript = `
local host = require("host")

function initialize()
	host.report_usage(1, 1024)
end

function invoke(action, args)
	if action == "id" then
		return host.id()
	end
	return action
end
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Host.DataDir = filepath.Join(base, "data")
	cfg.Plugins.Dir = filepath.Join(base, "plugins")
	cfg.Updates.Enabled = false
	return cfg
}

func luaManifest(id string, perms ...plugin.Permission) *plugin.Manifest {
	return &plugin.Manifest{
		ID:             id,
		Name:           "Echo " + id,
		Version:        "1.0.0",
		VersionCode:    1,
		Description:    "Echoes actions",
		Author:         plugin.Author{Name: "Tester"},
		Type:           plugin.TypeFeature,
		Permissions:    perms,
		MinHostVersion: "1.0.0",
		Platforms:      []string{plugin.PlatformAny},
		Main:           "init.lua",
		Runtime:        plugin.RuntimeLua,
	}
}

func writeLuaPackage(t *testing.T, dir string, m *plugin.Manifest) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, m.ID+plugin.PackageExt)
	require.NoError(t, plugin.WritePackage(path, m, map[string][]byte{"init.lua": []byte(echoScript)}))
	return path
}

func newApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(cfg, Options{Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := NewLogger(config.LogConfig{Level: "warn", JSON: true}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Named("manager").Warn("plugin failed", "plugin", "p1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "plugin failed", line["@message"])
	assert.Equal(t, "plughost.manager", line["@module"])
	assert.Equal(t, "p1", line["plugin"])
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "host.log")
	logger, closer, err := NewLogger(config.LogConfig{Level: "debug", File: path}, nil)
	require.NoError(t, err)

	logger.Debug("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, hclog.Debug, ParseLevel("DEBUG"))
	assert.Equal(t, hclog.Off, ParseLevel("off"))
	assert.Equal(t, hclog.Info, ParseLevel("chatty"))
}

func TestNewCreatesDirectories(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)

	for _, dir := range []string{cfg.Plugins.Dir, cfg.PluginDataDir(), cfg.PrefsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Nil(t, a.Updates)
	assert.Equal(t, cfg.StatePath(), a.Store.Path())
}

func TestNewWithUpdates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Updates.Enabled = true
	cfg.Updates.MarketplaceURL = "http://127.0.0.1:1"
	a := newApp(t, cfg)
	assert.NotNil(t, a.Marketplace)
	assert.NotNil(t, a.Updates)
}

func TestStartEnableAndExecute(t *testing.T) {
	cfg := testConfig(t)
	writeLuaPackage(t, cfg.Plugins.Dir, luaManifest("com.test.echo", plugin.PermissionStorage))
	a := newApp(t, cfg)
	ctx := context.Background()

	report, err := a.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.test.echo"}, report.Loaded)
	assert.True(t, a.Running())

	_, err = a.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, a.Manager.EnablePlugin(ctx, "com.test.echo"))
	got, err := manager.Execute(ctx, a.Manager, "com.test.echo", "invoke",
		func(ctx context.Context, p plugin.Plugin) (any, error) {
			return p.Capabilities().Feature.Invoke(ctx, "id", nil)
		})
	require.NoError(t, err)
	assert.Equal(t, "com.test.echo", got)
	assert.True(t, a.Permissions.IsPermissionGranted("com.test.echo", plugin.PermissionStorage))

	require.NoError(t, a.Close())
	assert.False(t, a.Running())
	assert.NoError(t, a.Close())

	// A new application over the same state starts the plugin again.
	b := newApp(t, cfg)
	report, err = b.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.test.echo"}, report.Started)
}

func TestLoadOnce(t *testing.T) {
	cfg := testConfig(t)
	writeLuaPackage(t, cfg.Plugins.Dir, luaManifest("com.test.echo"))
	a := newApp(t, cfg)

	report, err := a.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	again, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.False(t, a.Running())
}

func TestInboxInstallsAndReplaces(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.WatchDir = filepath.Join(filepath.Dir(cfg.Plugins.Dir), "inbox")
	a := newApp(t, cfg)
	_, err := a.Start(context.Background())
	require.NoError(t, err)

	dropped := writeLuaPackage(t, cfg.Plugins.WatchDir, luaManifest("com.test.dropped"))
	require.Eventually(t, func() bool {
		return a.Registry.Contains("com.test.dropped")
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(dropped)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, filepath.Join(cfg.Plugins.Dir, "com.test.dropped"+plugin.PackageExt))

	next := luaManifest("com.test.dropped")
	next.Version, next.VersionCode = "1.1.0", 2
	writeLuaPackage(t, cfg.Plugins.WatchDir, next)
	require.Eventually(t, func() bool {
		info, err := a.Store.Get(context.Background(), "com.test.dropped")
		return err == nil && info.Manifest.VersionCode == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHandleCommand(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	ctx := context.Background()
	_, err := a.Load(ctx)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "src")
	_, err = a.Manager.InstallPlugin(ctx, writeLuaPackage(t, src, luaManifest("com.test.net", plugin.PermissionNetwork)))
	require.NoError(t, err)

	res := a.Manager.RequestPermission(ctx, "com.test.net", plugin.PermissionNetwork)
	require.Equal(t, security.StatusPending, res.Status)

	require.NoError(t, a.handleCommand(ctx, feed.Command{Type: feed.CommandGrant, RequestID: res.Request.ID}))
	assert.True(t, a.Permissions.IsPermissionGranted("com.test.net", plugin.PermissionNetwork))
	assert.Empty(t, a.Permissions.PendingRequests())

	err = a.handleCommand(ctx, feed.Command{Type: feed.CommandGrant, RequestID: "missing"})
	assert.Error(t, err)

	err = a.handleCommand(ctx, feed.Command{Type: feed.CommandGrant, PluginID: "com.test.net", Permission: "teleport"})
	assert.Error(t, err)

	err = a.handleCommand(ctx, feed.Command{Type: feed.CommandGrant, PluginID: "com.test.net", Permission: string(plugin.PermissionStorage)})
	assert.ErrorContains(t, err, security.ReasonNotDeclared)

	err = a.handleCommand(ctx, feed.Command{Type: feed.CommandResume, PluginID: "com.test.net"})
	assert.ErrorIs(t, err, ErrNotSuspended)

	assert.NoError(t, a.handleCommand(ctx, feed.Command{Type: feed.CommandDeny, PluginID: "com.test.net", Permission: string(plugin.PermissionNetwork)}))
}

func TestSnapshot(t *testing.T) {
	cfg := testConfig(t)
	writeLuaPackage(t, cfg.Plugins.Dir, luaManifest("com.test.echo"))
	a := newApp(t, cfg)
	_, err := a.Start(context.Background())
	require.NoError(t, err)

	events := a.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, feed.TypePlugins, events[0].Type)
	infos := events[0].Data.([]*plugin.Info)
	require.Len(t, infos, 1)
	assert.Equal(t, "com.test.echo", infos[0].ID)
	assert.Equal(t, feed.TypePermissionRequests, events[1].Type)
}

func TestInitError(t *testing.T) {
	cfg := testConfig(t)
	// A file where the data directory should be.
	require.NoError(t, os.WriteFile(cfg.Host.DataDir, []byte("x"), 0o644))

	_, err := New(cfg, Options{Logger: hclog.NewNullLogger()})
	var ie *InitError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "directories", ie.Component)
}
