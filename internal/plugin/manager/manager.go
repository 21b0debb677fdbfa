package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/loop"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/metrics"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/plugin/security"
	"github.com/dshills/plughost/internal/stream"
)

// DefaultWatchdogInterval is the time between resource limit checks.
const DefaultWatchdogInterval = 10 * time.Second

// TerminationReason is attached to plugins stopped by the watchdog.
const TerminationReason = "Plugin exceeded resource limits"

// PurchaseChecker reports whether a premium plugin may be installed.
// billing.Service implements it.
type PurchaseChecker interface {
	IsPurchased(ctx context.Context, pluginID string) (bool, error)
}

// Config holds the collaborators of a Manager.
type Config struct {
	Loader   *plugin.Loader
	Registry *plugin.Registry
	Database plugin.Database
	Security *security.Manager
	Limiter  *resource.Limiter
}

// Manager is the plugin lifecycle facade.
type Manager struct {
	loader   *plugin.Loader
	registry *plugin.Registry
	db       plugin.Database
	security *security.Manager
	limiter  *resource.Limiter

	purchases PurchaseChecker
	metrics   *metrics.Recorder
	logger    hclog.Logger

	watchdogInterval time.Duration
	watchdog         *loop.Loop

	plugins *stream.Value[[]*plugin.Info]

	mu sync.Mutex

	// Package path of each installed plugin.
	packages map[string]string

	// Plugins whose instance was cleaned up and must be instantiated
	// again before it can be enabled.
	stale map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPurchaseChecker gates premium installs on purchases. Without one,
// premium plugins cannot be installed.
func WithPurchaseChecker(p PurchaseChecker) Option {
	return func(m *Manager) {
		m.purchases = p
	}
}

// WithMetrics sets the performance recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithWatchdogInterval sets the time between resource limit checks.
func WithWatchdogInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.watchdogInterval = d
	}
}

// New creates a manager. Call LoadPlugins to start it.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		loader:           cfg.Loader,
		registry:         cfg.Registry,
		db:               cfg.Database,
		security:         cfg.Security,
		limiter:          cfg.Limiter,
		metrics:          metrics.NewRecorder(),
		logger:           hclog.NewNullLogger(),
		watchdogInterval: DefaultWatchdogInterval,
		plugins:          stream.NewValue[[]*plugin.Info](nil),
		packages:         make(map[string]string),
		stale:            make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.watchdog = loop.New(m.watchdogInterval, func(ctx context.Context) {
		m.CheckAndTerminateExcessivePlugins(ctx)
	})
	return m
}

// Plugins returns the current plugin list.
func (m *Manager) Plugins() []*plugin.Info {
	return m.plugins.Get()
}

// Subscribe returns a subscription to the plugin list. The current list is
// delivered first.
func (m *Manager) Subscribe() *stream.Subscription[[]*plugin.Info] {
	return m.plugins.Subscribe()
}

// Refresh republishes the plugin list from the registry.
func (m *Manager) Refresh(ctx context.Context) error {
	infos, err := m.registry.GetAll(ctx)
	if err != nil {
		m.logger.Error("cannot list plugins", "error", err)
		return err
	}
	m.plugins.Set(infos)
	return nil
}

func (m *Manager) publish(ctx context.Context) {
	_ = m.Refresh(ctx)
}

// GetPlugin returns the instance of an installed plugin.
func (m *Manager) GetPlugin(id string) (plugin.Plugin, bool) {
	return m.registry.Get(id)
}

// GetPluginsByType returns installed plugins of one type.
func (m *Manager) GetPluginsByType(t plugin.Type) []plugin.Plugin {
	return m.registry.GetByType(t)
}

// GetEnabledPlugins returns the instances of enabled plugins, sorted by id.
func (m *Manager) GetEnabledPlugins(ctx context.Context) ([]plugin.Plugin, error) {
	ids, err := m.db.EnabledPlugins(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var out []plugin.Plugin
	for _, id := range ids {
		if p, ok := m.registry.Get(id); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// PluginResourceUsage returns the latest usage sample of a plugin.
func (m *Manager) PluginResourceUsage(id string) (resource.Usage, bool) {
	return m.security.ResourceUsage(id)
}

// PerformanceMetrics returns the performance of one plugin, including its
// memory use against its limit.
func (m *Manager) PerformanceMetrics(id string) metrics.Snapshot {
	s := m.metrics.Snapshot(id)
	m.addMemory(&s)
	return s
}

// AllPerformanceMetrics returns the performance of every plugin that ran
// an operation.
func (m *Manager) AllPerformanceMetrics() []metrics.Snapshot {
	all := m.metrics.All()
	for i := range all {
		m.addMemory(&all[i])
	}
	return all
}

func (m *Manager) addMemory(s *metrics.Snapshot) {
	s.MemoryLimit = m.security.LimitsFor(s.PluginID).MaxMemoryBytes
	if u, ok := m.security.ResourceUsage(s.PluginID); ok {
		s.MemoryBytes = u.MemoryBytes
	}
}

// StartWatchdog starts the periodic resource limit check. It is a no-op
// when already running.
func (m *Manager) StartWatchdog() {
	if m.watchdog.Start() {
		m.logger.Debug("watchdog started", "interval", m.watchdogInterval)
	}
}

// StopWatchdog stops the periodic check. A check in progress completes.
func (m *Manager) StopWatchdog() {
	m.watchdog.Stop()
}

// Close stops the watchdog, cleans up every running plugin and ends the
// plugin list subscriptions.
func (m *Manager) Close() {
	m.StopWatchdog()
	for _, id := range m.security.Active() {
		if p, ok := m.registry.Get(id); ok {
			m.cleanupInstance(p)
		}
		m.security.CleanupPlugin(id)
	}
	m.plugins.Close()
}

func (m *Manager) setPackage(id, path string) {
	m.mu.Lock()
	m.packages[id] = path
	delete(m.stale, id)
	m.mu.Unlock()
}

func (m *Manager) packagePath(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.packages[id]
	return path, ok
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.packages, id)
	delete(m.stale, id)
	m.mu.Unlock()
}

func (m *Manager) markStale(id string) {
	m.mu.Lock()
	m.stale[id] = true
	m.mu.Unlock()
}

func (m *Manager) isStale(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale[id]
}
