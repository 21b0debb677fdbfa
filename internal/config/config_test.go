package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/config/loader"
	"github.com/dshills/plughost/internal/plugin/resource"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, resource.DefaultLimits(), cfg.Resources.Defaults.Resource())
	assert.Equal(t, ".plugin", cfg.Plugins.Extension)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Resources, cfg.Resources)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[host]
version = "2.1.0"
data_dir = "/var/lib/plughost"

[resources]
sample_interval = "250ms"
history_size = 10

[resources.defaults]
max_cpu_percent = 20.0
max_memory_bytes = 1048576

[resources.overrides.heavy]
max_memory_bytes = 4194304
network_window = "5m"

[network]
allow_hosts = ["*.example.com"]
block_hosts = ["evil.example.com"]

[updates]
auto_update = true
interval = "6h"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2.1.0", cfg.Host.Version)
	assert.Equal(t, "/var/lib/plughost", cfg.Host.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/plughost", "prefs"), cfg.PrefsDir())
	assert.Equal(t, 250*time.Millisecond, cfg.Resources.SampleInterval.Std())
	assert.Equal(t, 10, cfg.Resources.HistorySize)

	defaults := cfg.Resources.Defaults.Resource()
	assert.Equal(t, 20.0, defaults.MaxCPUPercent)
	assert.Equal(t, uint64(1048576), defaults.MaxMemoryBytes)
	// Unset fields keep their defaults.
	assert.Equal(t, resource.DefaultLimits().MaxNetworkBytes, defaults.MaxNetworkBytes)

	heavy := cfg.Resources.OverrideLimits()["heavy"]
	assert.Equal(t, uint64(4194304), heavy.MaxMemoryBytes)
	assert.Equal(t, 5*time.Minute, heavy.NetworkWindow)
	assert.Zero(t, heavy.MaxCPUPercent)

	policy := cfg.Network.Policy()
	assert.Equal(t, []string{"*.example.com"}, policy.AllowHosts)
	assert.Equal(t, []string{"evil.example.com"}, policy.BlockHosts)

	assert.True(t, cfg.Updates.Enabled)
	assert.True(t, cfg.Updates.AutoUpdate)
	assert.Equal(t, 6*time.Hour, cfg.Updates.Interval.Std())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "warn"
`)
	t.Setenv("PLUGHOST_LOG_LEVEL", "debug")
	t.Setenv("PLUGHOST_MAX_MEMORY_BYTES", "2048")
	t.Setenv("PLUGHOST_MARKETPLACE_TOKEN", "secret")
	t.Setenv("PLUGHOST_PLUGINS_CALL_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint64(2048), cfg.Resources.Defaults.MaxMemoryBytes)
	assert.Equal(t, "secret", cfg.Updates.MarketplaceToken)
	assert.Equal(t, 3*time.Second, cfg.Plugins.CallTimeout.Std())
}

func TestLoadParseError(t *testing.T) {
	path := writeConfig(t, "[log\nlevel = 1\n")
	_, err := Load(path)

	var pe *loader.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, "[updates]\ninterval = \"soon\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Host.Version = "one" }, "host.version"},
		{"data dir", func(c *Config) { c.Host.DataDir = "" }, "host.data_dir"},
		{"extension", func(c *Config) { c.Plugins.Extension = "zip" }, "plugins.extension"},
		{"watch dir", func(c *Config) { c.Plugins.WatchDir = c.Plugins.Dir }, "plugins.watch_dir"},
		{"interval", func(c *Config) { c.Resources.SampleInterval = 0 }, "resources.sample_interval"},
		{"history", func(c *Config) { c.Resources.HistorySize = 0 }, "resources.history_size"},
		{"file op rate", func(c *Config) { c.Resources.FileOpsPerSecond = -1 }, "resources.file_ops_per_second"},
		{"request rate", func(c *Config) { c.Resources.RequestsPerSecond = -1 }, "resources.requests_per_second"},
		{"update interval", func(c *Config) { c.Updates.Interval = -1 }, "updates.interval"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Host.Platform = ""
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(err.Error(), ErrInvalid.Error()))
}

func TestUpdatesIntervalIgnoredWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Updates.Enabled = false
	cfg.Updates.Interval = 0
	assert.NoError(t, cfg.Validate())
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Resources.Overrides = map[string]Limits{"x": {MaxCPUPercent: 5}}

	data, err := cfg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), "sample_interval")

	decoded := &Config{}
	require.NoError(t, toml.Unmarshal(data, decoded))
	assert.Equal(t, cfg.Resources.SampleInterval, decoded.Resources.SampleInterval)
	assert.Equal(t, cfg.Resources.Defaults, decoded.Resources.Defaults)
	assert.Equal(t, 5.0, decoded.Resources.Overrides["x"].MaxCPUPercent)
	assert.Equal(t, cfg.Host, decoded.Host)
}
