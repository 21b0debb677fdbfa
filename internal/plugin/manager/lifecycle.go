package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/metrics"
	"github.com/dshills/plughost/internal/plugin/security"
)

// LoadReport is the outcome of a cold start.
type LoadReport struct {
	// Loaded lists the ids of every plugin instantiated from the plugin
	// directory.
	Loaded []string

	// Failures lists packages that could not be loaded.
	Failures []*plugin.LoadError

	// Started lists previously enabled plugins that were initialized.
	Started []string

	// StartFailures maps previously enabled plugins that failed to
	// initialize to the cause. They are left in ERROR status.
	StartFailures map[string]error
}

// LoadPlugins initializes the permission cache, loads every package in the
// plugin directory and starts the plugins that were enabled when the host
// last ran. A package or plugin that fails never prevents the others from
// loading; the error is returned only when the load could not run at all.
func (m *Manager) LoadPlugins(ctx context.Context) (*LoadReport, error) {
	defer m.publish(ctx)

	if err := m.security.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize permissions: %w", err)
	}

	res, err := m.loader.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	report := &LoadReport{
		Failures:      res.Failures,
		StartFailures: make(map[string]error),
	}

	for _, p := range res.Plugins {
		id := p.Manifest().ID
		if err := m.registry.Register(ctx, p); err != nil {
			m.logger.Error("cannot register plugin", "plugin", id, "error", err)
			report.Failures = append(report.Failures, &plugin.LoadError{
				File:  filepath.Base(res.Packages[id]),
				Stage: plugin.StageInstantiate,
				Err:   err,
			})
			m.cleanupInstance(p)
			continue
		}
		m.setPackage(id, res.Packages[id])
		report.Loaded = append(report.Loaded, id)
	}

	enabled, err := m.db.EnabledPlugins(ctx)
	if err != nil {
		return report, fmt.Errorf("read enabled plugins: %w", err)
	}
	for _, id := range enabled {
		p, ok := m.registry.Get(id)
		if !ok {
			m.logger.Warn("enabled plugin is not installed", "plugin", id)
			continue
		}
		if err := m.start(ctx, p, metrics.OpLoad); err != nil {
			report.StartFailures[id] = err
			continue
		}
		report.Started = append(report.Started, id)
	}

	m.logger.Info("plugins loaded",
		"loaded", len(report.Loaded),
		"failed", len(report.Failures),
		"started", len(report.Started),
		"start_failed", len(report.StartFailures))
	return report, nil
}

// ValidatePackage reads and validates the manifest of a package without
// running any plugin code.
func (m *Manager) ValidatePackage(path string) (*plugin.Manifest, error) {
	return m.loader.ExtractManifest(path)
}

// InstallPlugin installs a package: it is validated, purchase-gated when
// premium, instantiated, copied into the plugin directory and registered
// disabled.
func (m *Manager) InstallPlugin(ctx context.Context, path string) (*plugin.Info, error) {
	defer m.publish(ctx)

	manifest, err := m.loader.ExtractManifest(path)
	if err != nil {
		return nil, err
	}
	id := manifest.ID
	if m.registry.Contains(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, id)
	}

	purchased := false
	if manifest.Monetization.IsPremium() {
		if m.purchases == nil {
			return nil, fmt.Errorf("%w: %s", ErrPurchaseRequired, id)
		}
		ok, err := m.purchases.IsPurchased(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check purchase of %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPurchaseRequired, id)
		}
		purchased = true
	}

	p, err := m.loader.LoadPlugin(ctx, path)
	if err != nil {
		return nil, err
	}

	dst, err := m.copyPackage(path, id)
	if err != nil {
		m.cleanupInstance(p)
		return nil, err
	}
	if err := m.registry.Register(ctx, p); err != nil {
		m.cleanupInstance(p)
		if dst != path {
			_ = os.Remove(dst)
		}
		return nil, err
	}
	m.setPackage(id, dst)

	info, err := m.db.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if purchased {
		info.Purchased = true
		if err := m.db.Save(ctx, info); err != nil {
			return nil, err
		}
	}
	m.logger.Info("plugin installed", "plugin", id, "version", manifest.Version)
	return info, nil
}

// UninstallPlugin stops a plugin and removes every trace of it: record,
// grants, enabled flag, data directory, preferences and package.
func (m *Manager) UninstallPlugin(ctx context.Context, id string) error {
	defer m.publish(ctx)

	p, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
	}

	// A stale instance was already cleaned up.
	if !m.isStale(id) {
		m.cleanupInstance(p)
	}
	m.security.CleanupPlugin(id)

	if err := m.db.SetEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	if err := m.registry.Remove(ctx, id); err != nil {
		return fmt.Errorf("uninstall %s: %w", id, err)
	}

	var errs []error
	if err := m.security.Permissions().RevokeAllPermissions(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := m.security.RemovePluginData(id); err != nil {
		errs = append(errs, err)
	}
	if path, ok := m.packagePath(id); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	m.forget(id)
	m.metrics.Remove(id)

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("plugin uninstalled with leftovers", "plugin", id, "error", err)
		return fmt.Errorf("uninstall %s: %w", id, err)
	}
	m.logger.Info("plugin uninstalled", "plugin", id)
	return nil
}

// EnablePlugin builds a fresh context for the plugin and initializes it.
// On failure the plugin is left in ERROR status. Enabling a running plugin
// is a no-op.
func (m *Manager) EnablePlugin(ctx context.Context, id string) error {
	defer m.publish(ctx)

	p, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
	}
	if _, running := m.security.Context(id); running {
		return nil
	}

	if m.isStale(id) {
		fresh, err := m.reinstantiate(ctx, id)
		if err != nil {
			m.metrics.Record(id, metrics.OpEnable, 0, err)
			m.setStatus(ctx, id, plugin.StatusError)
			return err
		}
		p = fresh
	}
	return m.start(ctx, p, metrics.OpEnable)
}

// DisablePlugin cleans up a running plugin, tears down its sandbox and
// marks it disabled. Grants are kept. Disabling a disabled plugin succeeds.
func (m *Manager) DisablePlugin(ctx context.Context, id string) error {
	defer m.publish(ctx)

	if !m.registry.Contains(id) {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
	}
	err := m.stop(ctx, id, plugin.StatusDisabled)
	m.security.CleanupPlugin(id)
	return err
}

// ResumePlugin returns a throttled or suspended plugin to normal
// enforcement. It reports whether the plugin was throttled or suspended.
func (m *Manager) ResumePlugin(ctx context.Context, id string) (bool, error) {
	defer m.publish(ctx)

	if !m.registry.Contains(id) {
		return false, fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id)
	}
	return m.limiter.Resume(id), nil
}

// ReplacePlugin installs a new version of an installed plugin from path.
// The package must carry expectedID. A running plugin is stopped, replaced
// and started again; a stopped one stays disabled.
func (m *Manager) ReplacePlugin(ctx context.Context, path, expectedID string) (*plugin.Info, error) {
	defer m.publish(ctx)

	old, err := m.db.Get(ctx, expectedID)
	if err != nil {
		return nil, err
	}
	manifest, err := m.loader.ExtractManifest(path)
	if err != nil {
		return nil, err
	}
	if manifest.ID != expectedID {
		return nil, fmt.Errorf("%w: package is %s, expected %s", ErrIDMismatch, manifest.ID, expectedID)
	}

	fresh, err := m.loader.LoadPlugin(ctx, path)
	if err != nil {
		return nil, err
	}

	_, wasRunning := m.security.Context(expectedID)
	m.setStatus(ctx, expectedID, plugin.StatusUpdating)
	m.publish(ctx)

	if wasRunning {
		if err := m.stop(ctx, expectedID, plugin.StatusUpdating); err != nil {
			m.logger.Warn("cleanup before update failed", "plugin", expectedID, "error", err)
		}
		m.security.CleanupPlugin(expectedID)
	} else if prev, ok := m.registry.Get(expectedID); ok && !m.isStale(expectedID) {
		m.cleanupInstance(prev)
	}

	dst, err := m.copyPackage(path, expectedID)
	if err == nil {
		err = m.registry.Register(ctx, fresh)
	}
	if err != nil {
		m.cleanupInstance(fresh)
		m.markStale(expectedID)
		if wasRunning {
			if rerr := m.EnablePlugin(ctx, expectedID); rerr != nil {
				m.logger.Error("cannot restart previous version", "plugin", expectedID, "error", rerr)
			}
		} else {
			m.setStatus(ctx, expectedID, old.Status)
		}
		return nil, fmt.Errorf("replace %s: %w", expectedID, err)
	}
	if prev := m.pathIfDifferent(expectedID, dst); prev != "" {
		_ = os.Remove(prev)
	}
	m.setPackage(expectedID, dst)

	if wasRunning {
		if err := m.start(ctx, fresh, metrics.OpEnable); err != nil {
			return nil, err
		}
	} else {
		status := old.Status
		if status == plugin.StatusEnabled || status == plugin.StatusUpdating {
			status = plugin.StatusDisabled
		}
		m.setStatus(ctx, expectedID, status)
	}

	m.logger.Info("plugin replaced", "plugin", expectedID, "from", old.Manifest.Version, "to", manifest.Version)
	return m.db.Get(ctx, expectedID)
}

// start creates the plugin's context and initializes it. The plugin code
// runs outside every lock.
func (m *Manager) start(ctx context.Context, p plugin.Plugin, op string) error {
	manifest := p.Manifest()
	id := manifest.ID
	done := m.metrics.Start(id, op)

	c, err := m.security.CreateContext(ctx, id, manifest)
	if c == nil {
		err = &OperationError{PluginID: id, Operation: op, Err: err}
		done(err)
		m.setStatus(ctx, id, plugin.StatusError)
		return err
	}
	if err != nil {
		m.logger.Warn("permission state incomplete", "plugin", id, "error", err)
	}

	if err := m.protect(id, op, func() error { return p.Initialize(ctx, c) }); err != nil {
		m.security.CleanupPlugin(id)
		m.cleanupInstance(p)
		m.markStale(id)
		done(err)
		m.setStatus(ctx, id, plugin.StatusError)
		m.logger.Error("plugin failed to start", "plugin", id, "error", err)
		return err
	}

	if err := m.db.SetEnabled(ctx, id, true); err != nil {
		m.logger.Error("cannot persist enabled flag", "plugin", id, "error", err)
	}
	m.setStatus(ctx, id, plugin.StatusEnabled)
	done(nil)
	m.logger.Info("plugin enabled", "plugin", id)
	return nil
}

// stop cleans up a running plugin and records status. The caller tears
// down the sandbox.
func (m *Manager) stop(ctx context.Context, id string, status plugin.Status) error {
	var err error
	if _, running := m.security.Context(id); running {
		if p, ok := m.registry.Get(id); ok {
			err = m.protect(id, "cleanup", p.Cleanup)
			m.markStale(id)
		}
	}

	if dbErr := m.db.SetEnabled(ctx, id, false); dbErr != nil {
		err = errors.Join(err, dbErr)
	}
	m.setStatus(ctx, id, status)
	if err != nil {
		m.logger.Warn("plugin cleanup failed", "plugin", id, "error", err)
	}
	return err
}

// reinstantiate loads a fresh instance of a plugin from its package.
func (m *Manager) reinstantiate(ctx context.Context, id string) (plugin.Plugin, error) {
	path, ok := m.packagePath(id)
	if !ok {
		return nil, fmt.Errorf("%w: no package for %s", plugin.ErrPluginNotFound, id)
	}
	p, err := m.loader.LoadPlugin(ctx, path)
	if err != nil {
		return nil, err
	}
	if p.Manifest().ID != id {
		m.cleanupInstance(p)
		return nil, fmt.Errorf("%w: package is %s, expected %s", ErrIDMismatch, p.Manifest().ID, id)
	}
	if err := m.registry.Register(ctx, p); err != nil {
		m.cleanupInstance(p)
		return nil, err
	}
	m.setPackage(id, path)
	return p, nil
}

// cleanupInstance releases an instance that is being discarded, logging
// failures.
func (m *Manager) cleanupInstance(p plugin.Plugin) {
	id := p.Manifest().ID
	if err := m.protect(id, "cleanup", p.Cleanup); err != nil {
		m.logger.Warn("plugin cleanup failed", "plugin", id, "error", err)
	}
}

func (m *Manager) setStatus(ctx context.Context, id string, status plugin.Status) {
	if err := m.db.UpdateStatus(ctx, id, status); err != nil && !errors.Is(err, plugin.ErrPluginNotFound) {
		m.logger.Error("cannot update status", "plugin", id, "status", status, "error", err)
	}
}

// copyPackage copies a package into the plugin directory as <id><ext>.
// A package already in place is left alone.
func (m *Manager) copyPackage(src, id string) (string, error) {
	dst := filepath.Join(m.loader.Dir(), id+m.loader.Extension())
	if same, _ := samePath(src, dst); same {
		return dst, nil
	}
	if err := os.MkdirAll(m.loader.Dir(), 0755); err != nil {
		return "", fmt.Errorf("create plugin directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(m.loader.Dir(), ".install-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("copy package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("copy package: %w", err)
	}
	return dst, nil
}

func (m *Manager) pathIfDifferent(id, path string) string {
	old, ok := m.packagePath(id)
	if !ok {
		return ""
	}
	if same, _ := samePath(old, path); same {
		return ""
	}
	return old
}

func samePath(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

// Permission delegation.

// RequestPermission asks for a permission on behalf of an installed plugin.
func (m *Manager) RequestPermission(ctx context.Context, id string, p plugin.Permission) security.Result {
	manifest, ok := m.registry.Manifest(id)
	if !ok {
		return security.Result{Status: security.StatusDenied, PluginID: id, Permission: p, Reason: security.ReasonNotInstalled}
	}
	return m.security.Permissions().RequestPermission(ctx, id, p, manifest)
}

// GrantPermission grants a declared permission.
func (m *Manager) GrantPermission(ctx context.Context, id string, p plugin.Permission) security.Result {
	defer m.publish(ctx)
	return m.security.Permissions().GrantPermission(ctx, id, p)
}

// DenyPermission rejects a pending request.
func (m *Manager) DenyPermission(ctx context.Context, id string, p plugin.Permission, reason string) security.Result {
	defer m.publish(ctx)
	return m.security.Permissions().DenyPermission(ctx, id, p, reason)
}

// RevokePermission withdraws a grant. It takes effect on the plugin's next
// access.
func (m *Manager) RevokePermission(ctx context.Context, id string, p plugin.Permission) error {
	defer m.publish(ctx)
	return m.security.Permissions().RevokePermission(ctx, id, p)
}

// PendingRequests returns permission requests awaiting a decision.
func (m *Manager) PendingRequests() []security.Request {
	return m.security.Permissions().PendingRequests()
}
