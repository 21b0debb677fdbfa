// Package config loads the host configuration: built-in defaults, then a
// TOML file, then PLUGHOST_ environment variables, each overriding the
// previous.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/plughost/internal/config/loader"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/plugin/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLUGHOST_"

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "10s" in TOML and YAML.
type Duration time.Duration

// MarshalText encodes the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete host configuration.
type Config struct {
	Host      HostConfig      `toml:"host" yaml:"host"`
	Plugins   PluginsConfig   `toml:"plugins" yaml:"plugins"`
	Resources ResourcesConfig `toml:"resources" yaml:"resources"`
	Network   NetworkConfig   `toml:"network" yaml:"network"`
	Updates   UpdatesConfig   `toml:"updates" yaml:"updates"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Feed      FeedConfig      `toml:"feed" yaml:"feed"`
}

// HostConfig identifies the host to plugins.
type HostConfig struct {
	Version  string `toml:"version" yaml:"version"`
	Platform string `toml:"platform" yaml:"platform"`

	// DataDir holds plugin data, preferences and the state database.
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

// PluginsConfig locates plugin packages.
type PluginsConfig struct {
	Dir         string   `toml:"dir" yaml:"dir"`
	Extension   string   `toml:"extension" yaml:"extension"`
	CallTimeout Duration `toml:"call_timeout" yaml:"call_timeout"`

	// WatchDir is an inbox: packages dropped into it are installed, or
	// replace the installed version, and then removed. Empty disables it.
	WatchDir string `toml:"watch_dir" yaml:"watch_dir"`
}

// Limits mirrors resource.Limits with configuration-friendly types.
type Limits struct {
	MaxCPUPercent   float64  `toml:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
	MaxMemoryBytes  uint64   `toml:"max_memory_bytes,omitempty" yaml:"max_memory_bytes,omitempty"`
	MaxNetworkBytes uint64   `toml:"max_network_bytes,omitempty" yaml:"max_network_bytes,omitempty"`
	NetworkWindow   Duration `toml:"network_window,omitempty" yaml:"network_window,omitempty"`
}

// Resource returns the limits as resource.Limits.
func (l Limits) Resource() resource.Limits {
	return resource.Limits{
		MaxCPUPercent:   l.MaxCPUPercent,
		MaxMemoryBytes:  l.MaxMemoryBytes,
		MaxNetworkBytes: l.MaxNetworkBytes,
		NetworkWindow:   l.NetworkWindow.Std(),
	}
}

// ResourcesConfig controls resource tracking and enforcement.
type ResourcesConfig struct {
	SampleInterval   Duration `toml:"sample_interval" yaml:"sample_interval"`
	EnforceInterval  Duration `toml:"enforce_interval" yaml:"enforce_interval"`
	WatchdogInterval Duration `toml:"watchdog_interval" yaml:"watchdog_interval"`
	ThrottleDelay    Duration `toml:"throttle_delay" yaml:"throttle_delay"`
	HistorySize      int      `toml:"history_size" yaml:"history_size"`

	// Per-plugin operation rates. Zero disables the limit.
	FileOpsPerSecond  int `toml:"file_ops_per_second" yaml:"file_ops_per_second"`
	RequestsPerSecond int `toml:"requests_per_second" yaml:"requests_per_second"`

	Defaults  Limits            `toml:"defaults" yaml:"defaults"`
	Overrides map[string]Limits `toml:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// OverrideLimits returns the per-plugin overrides as resource.Limits.
func (r ResourcesConfig) OverrideLimits() map[string]resource.Limits {
	out := make(map[string]resource.Limits, len(r.Overrides))
	for id, l := range r.Overrides {
		out[id] = l.Resource()
	}
	return out
}

// NetworkConfig restricts the hosts plugins may contact.
type NetworkConfig struct {
	AllowHosts []string `toml:"allow_hosts" yaml:"allow_hosts"`
	BlockHosts []string `toml:"block_hosts" yaml:"block_hosts"`
}

// Policy returns the settings as a security.NetworkPolicy.
func (n NetworkConfig) Policy() security.NetworkPolicy {
	return security.NetworkPolicy{AllowHosts: n.AllowHosts, BlockHosts: n.BlockHosts}
}

// UpdatesConfig controls the update checker.
type UpdatesConfig struct {
	Enabled          bool     `toml:"enabled" yaml:"enabled"`
	Interval         Duration `toml:"interval" yaml:"interval"`
	AutoUpdate       bool     `toml:"auto_update" yaml:"auto_update"`
	MarketplaceURL   string   `toml:"marketplace_url" yaml:"marketplace_url"`
	MarketplaceToken string   `toml:"marketplace_token" yaml:"-"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`

	// File receives log output instead of stderr when set.
	File string `toml:"file" yaml:"file"`
}

// FeedConfig controls the event feed server.
type FeedConfig struct {
	// Listen is the address of the websocket feed. Empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
}

// Default returns the built-in configuration, rooted in the user's config
// directory.
func Default() *Config {
	base := defaultBaseDir()
	limits := resource.DefaultLimits()
	return &Config{
		Host: HostConfig{
			Version:  "1.0.0",
			Platform: runtime.GOOS,
			DataDir:  filepath.Join(base, "data"),
		},
		Plugins: PluginsConfig{
			Dir:         filepath.Join(base, "plugins"),
			Extension:   plugin.PackageExt,
			CallTimeout: Duration(10 * time.Second),
		},
		Resources: ResourcesConfig{
			SampleInterval:    Duration(time.Second),
			EnforceInterval:   Duration(time.Second),
			WatchdogInterval:  Duration(10 * time.Second),
			ThrottleDelay:     Duration(100 * time.Millisecond),
			HistorySize:       60,
			FileOpsPerSecond:  100,
			RequestsPerSecond: 10,
			Defaults: Limits{
				MaxCPUPercent:   limits.MaxCPUPercent,
				MaxMemoryBytes:  limits.MaxMemoryBytes,
				MaxNetworkBytes: limits.MaxNetworkBytes,
				NetworkWindow:   Duration(limits.NetworkWindow),
			},
		},
		Updates: UpdatesConfig{
			Enabled:  true,
			Interval: Duration(24 * time.Hour),
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultBaseDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "plughost")
	}
	return ".plughost"
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	return filepath.Join(defaultBaseDir(), "config.toml")
}

// Load builds the configuration from defaults, the TOML file at path (if
// it exists) and the environment, then validates it.
func Load(path string) (*Config, error) {
	return load(loader.NewTOMLLoader(path), loader.NewEnvLoader(EnvPrefix))
}

func load(sources ...loader.Loader) (*Config, error) {
	merged := map[string]any{}
	for _, src := range sources {
		data, err := src.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, data)
	}

	cfg := Default()
	if len(merged) > 0 {
		data, err := toml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encode merged configuration: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode configuration: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}

	if !plugin.IsSemver(c.Host.Version) {
		fail("host.version", "%q is not a semantic version", c.Host.Version)
	}
	if c.Host.Platform == "" {
		fail("host.platform", "required")
	}
	if c.Host.DataDir == "" {
		fail("host.data_dir", "required")
	}
	if c.Plugins.Dir == "" {
		fail("plugins.dir", "required")
	}
	if c.Plugins.WatchDir != "" && filepath.Clean(c.Plugins.WatchDir) == filepath.Clean(c.Plugins.Dir) {
		fail("plugins.watch_dir", "must differ from plugins.dir")
	}
	if !strings.HasPrefix(c.Plugins.Extension, ".") {
		fail("plugins.extension", "%q must start with a dot", c.Plugins.Extension)
	}
	for name, d := range map[string]Duration{
		"resources.sample_interval":   c.Resources.SampleInterval,
		"resources.enforce_interval":  c.Resources.EnforceInterval,
		"resources.watchdog_interval": c.Resources.WatchdogInterval,
		"plugins.call_timeout":        c.Plugins.CallTimeout,
	} {
		if d <= 0 {
			fail(name, "must be positive")
		}
	}
	if c.Resources.HistorySize <= 0 {
		fail("resources.history_size", "must be positive")
	}
	if c.Resources.FileOpsPerSecond < 0 {
		fail("resources.file_ops_per_second", "must not be negative")
	}
	if c.Resources.RequestsPerSecond < 0 {
		fail("resources.requests_per_second", "must not be negative")
	}
	if c.Resources.Defaults.MaxCPUPercent < 0 {
		fail("resources.defaults.max_cpu_percent", "must not be negative")
	}
	if c.Updates.Enabled && c.Updates.Interval <= 0 {
		fail("updates.interval", "must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		fail("log.level", "unknown level %q", c.Log.Level)
	}
	return errors.Join(errs...)
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// PrefsDir is where plugin preferences are stored, outside plugin data
// directories.
func (c *Config) PrefsDir() string {
	return filepath.Join(c.Host.DataDir, "prefs")
}

// PluginDataDir is the parent of every plugin's private data directory.
func (c *Config) PluginDataDir() string {
	return filepath.Join(c.Host.DataDir, "plugins")
}

// StatePath is the location of the state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.Host.DataDir, "state.lz4")
}

// NativeDir is where native plugin binaries are extracted.
func (c *Config) NativeDir() string {
	return filepath.Join(c.Host.DataDir, "native")
}

// DownloadDir is where update packages are downloaded.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.Host.DataDir, "downloads")
}
