package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/stream"
)

// Config holds the sandbox settings shared by every plugin.
type Config struct {
	// DataDir holds one private directory per plugin.
	DataDir string

	// PrefsDir holds one preferences document per plugin. It must be outside
	// DataDir so plugins cannot edit their preferences through file access.
	PrefsDir string

	Network NetworkPolicy

	DefaultLimits  resource.Limits
	LimitOverrides map[string]resource.Limits

	// Operations rate-limits file and network access per plugin.
	Operations OperationLimits
}

// Termination records a plugin forcibly stopped by the host.
type Termination struct {
	PluginID  string         `json:"pluginId"`
	Reason    string         `json:"reason"`
	State     resource.State `json:"state"`
	Usage     resource.Usage `json:"usage"`
	Timestamp time.Time      `json:"timestamp"`
}

// Manager creates and tears down plugin sandboxes and contexts, and wires
// them to the permission manager and resource tracking.
type Manager struct {
	mu       sync.Mutex
	contexts map[string]*Context

	cfg         Config
	permissions *PermissionManager
	tracker     *resource.Tracker
	limiter     *resource.Limiter
	usage       UsageReporter
	notify      NotifyFunc
	transport   http.RoundTripper
	terminated  *stream.Feed[Termination]
	logger      hclog.Logger
	now         func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifyFunc sets the host notification callback.
func WithNotifyFunc(fn NotifyFunc) ManagerOption {
	return func(m *Manager) {
		m.notify = fn
	}
}

// WithTransport sets the round tripper plugin HTTP clients use.
func WithTransport(rt http.RoundTripper) ManagerOption {
	return func(m *Manager) {
		m.transport = rt
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger hclog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerClock sets the clock used for termination records.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a security manager. If the tracker's source accepts
// reported usage, plugin self-reports and HTTP traffic are fed to it.
func NewManager(cfg Config, permissions *PermissionManager, tracker *resource.Tracker, limiter *resource.Limiter, opts ...ManagerOption) *Manager {
	if cfg.DefaultLimits == (resource.Limits{}) {
		cfg.DefaultLimits = resource.DefaultLimits()
	}
	m := &Manager{
		contexts:    make(map[string]*Context),
		cfg:         cfg,
		permissions: permissions,
		tracker:     tracker,
		limiter:     limiter,
		terminated:  stream.NewFeed[Termination](16),
		logger:      hclog.NewNullLogger(),
		now:         time.Now,
	}
	if r, ok := tracker.Source().(UsageReporter); ok {
		m.usage = r
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads persisted permission grants.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.permissions.Initialize(ctx)
}

// Permissions returns the permission manager.
func (m *Manager) Permissions() *PermissionManager {
	return m.permissions
}

// LimitsFor returns the resource limits that apply to a plugin.
func (m *Manager) LimitsFor(id string) resource.Limits {
	if o, ok := m.cfg.LimitOverrides[id]; ok {
		return m.cfg.DefaultLimits.Override(o)
	}
	return m.cfg.DefaultLimits
}

// DataDir returns the data directory assigned to a plugin.
func (m *Manager) DataDir(id string) string {
	return filepath.Join(m.cfg.DataDir, id)
}

// CreateContext returns the plugin's context, creating its sandbox on first
// use. Every declared permission is requested: non-sensitive ones are
// granted, sensitive ones wait for user approval unless already granted.
// The plugin is then tracked with its resource limits.
func (m *Manager) CreateContext(ctx context.Context, id string, manifest *plugin.Manifest) (*Context, error) {
	if manifest == nil {
		return nil, plugin.ErrNilManifest
	}
	if manifest.ID != id {
		return nil, fmt.Errorf("context for %s: manifest id is %s", id, manifest.ID)
	}

	m.mu.Lock()
	c, ok := m.contexts[id]
	if !ok || c.sandbox.Manifest() != manifest {
		sb, err := NewSandbox(manifest, m.DataDir(id), m.permissions, m.cfg.Network)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		var prefs *FilePreferences
		if m.cfg.PrefsDir != "" {
			prefs = NewFilePreferences(filepath.Join(m.cfg.PrefsDir, id+".json"))
		}
		c = newContext(sb, m.permissions, prefs, m.usage, m.notify, m.transport, m.cfg.Operations, m.now, m.logger.Named(id))
		m.contexts[id] = c
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range manifest.Permissions {
		res := m.permissions.RequestPermission(ctx, id, p, manifest)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}

	m.tracker.Track(id, m.LimitsFor(id))
	m.logger.Debug("plugin context created", "plugin", id)
	return c, errors.Join(errs...)
}

// Context returns the active context of a plugin.
func (m *Manager) Context(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Sandbox returns the active sandbox of a plugin.
func (m *Manager) Sandbox(id string) (*Sandbox, bool) {
	c, ok := m.Context(id)
	if !ok {
		return nil, false
	}
	return c.sandbox, true
}

// Active returns the ids of plugins with an active context, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupPlugin drops the plugin's context and stops tracking it. Grants
// are kept. Cleaning up an unknown plugin is a no-op.
func (m *Manager) CleanupPlugin(id string) {
	m.mu.Lock()
	_, ok := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()

	m.tracker.Untrack(id)
	if ok {
		m.logger.Debug("plugin context removed", "plugin", id)
	}
}

// RemovePluginData deletes the plugin's data directory and preferences.
func (m *Manager) RemovePluginData(id string) error {
	var errs []error
	if err := os.RemoveAll(m.DataDir(id)); err != nil {
		errs = append(errs, err)
	}
	if m.cfg.PrefsDir != "" {
		if err := NewFilePreferences(filepath.Join(m.cfg.PrefsDir, id+".json")).Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TerminatePlugin resets the plugin's enforcement state, tears down its
// context and publishes a Termination.
func (m *Manager) TerminatePlugin(id, reason string) Termination {
	t := Termination{
		PluginID:  id,
		Reason:    reason,
		State:     m.limiter.State(id),
		Timestamp: m.now(),
	}
	if u, ok := m.tracker.Usage(id); ok {
		t.Usage = u
	}

	m.limiter.Reset(id)
	m.CleanupPlugin(id)
	m.terminated.Send(t)
	m.logger.Warn("plugin terminated", "plugin", id, "reason", reason)
	return t
}

// ResourceUsage returns the latest usage sample of a plugin.
func (m *Manager) ResourceUsage(id string) (resource.Usage, bool) {
	return m.tracker.Usage(id)
}

// PluginsExceedingLimits returns plugins that are suspended or above a hard
// limit.
func (m *Manager) PluginsExceedingLimits() []string {
	return m.limiter.Exceeding()
}

// Terminations returns a subscription to termination records.
func (m *Manager) Terminations() *stream.Subscription[Termination] {
	return m.terminated.Subscribe()
}

// Close ends termination subscriptions.
func (m *Manager) Close() {
	m.terminated.Close()
}
