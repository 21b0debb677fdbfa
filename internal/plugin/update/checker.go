package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/loop"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/stream"
)

// DefaultInterval is the time between periodic update checks.
const DefaultInterval = 24 * time.Hour

// ProgressFunc receives download progress as a percentage.
type ProgressFunc func(percent int)

// MarketplaceClient is the remote catalog of plugin releases.
type MarketplaceClient interface {
	LatestVersion(ctx context.Context, pluginID string) (Release, error)
	Download(ctx context.Context, url, dest string, progress ProgressFunc) error
	Versions(ctx context.Context, pluginID string) ([]Release, error)
	VersionDownloadURL(ctx context.Context, pluginID string, versionCode int) (string, error)
}

// Installer swaps a package in for an installed plugin. manager.Manager
// implements it.
type Installer interface {
	ValidatePackage(path string) (*plugin.Manifest, error)
	ReplacePlugin(ctx context.Context, path, expectedID string) (*plugin.Info, error)
}

// InfoSource lists installed plugins.
type InfoSource interface {
	Get(ctx context.Context, id string) (*plugin.Info, error)
	List(ctx context.Context) ([]*plugin.Info, error)
}

// Checker finds, downloads and installs plugin updates.
type Checker struct {
	infos     InfoSource
	installer Installer
	client    MarketplaceClient
	history   HistoryRepository

	interval    time.Duration
	autoUpdate  bool
	downloadDir string
	logger      hclog.Logger
	now         func() time.Time

	loop *loop.Loop

	// Serializes read-modify-write of the streams.
	mu        sync.Mutex
	available *stream.Value[[]Available]
	statuses  *stream.Value[map[string]Status]
}

// Option configures a Checker.
type Option func(*Checker)

// WithInterval sets the time between periodic checks.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) {
		c.interval = d
	}
}

// WithAutoUpdate installs every update found by a check.
func WithAutoUpdate(enabled bool) Option {
	return func(c *Checker) {
		c.autoUpdate = enabled
	}
}

// WithDownloadDir sets where packages are downloaded. Defaults to the
// system temporary directory.
func WithDownloadDir(dir string) Option {
	return func(c *Checker) {
		c.downloadDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithClock sets the clock used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		c.now = now
	}
}

// NewChecker creates a stopped checker.
func NewChecker(infos InfoSource, installer Installer, client MarketplaceClient, history HistoryRepository, opts ...Option) *Checker {
	c := &Checker{
		infos:       infos,
		installer:   installer,
		client:      client,
		history:     history,
		interval:    DefaultInterval,
		downloadDir: os.TempDir(),
		logger:      hclog.NewNullLogger(),
		now:         time.Now,
		available:   stream.NewValue[[]Available](nil),
		statuses:    stream.NewValue(map[string]Status{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.loop = loop.New(c.interval, func(ctx context.Context) {
		if _, err := c.CheckForUpdates(ctx); err != nil {
			c.logger.Warn("update check failed", "error", err)
		}
	}, loop.Immediately())
	return c
}

// Start begins periodic checking. The first check runs immediately.
func (c *Checker) Start() {
	if c.loop.Start() {
		c.logger.Debug("update checking started", "interval", c.interval)
	}
}

// Stop ends periodic checking. A check in progress completes.
func (c *Checker) Stop() {
	c.loop.Stop()
}

// Close stops checking and ends every subscription.
func (c *Checker) Close() {
	c.Stop()
	c.available.Close()
	c.statuses.Close()
}

// CheckForUpdates asks the marketplace for the latest release of every
// installed plugin. A plugin that cannot be checked is logged and skipped.
// With auto-update enabled, every update found is installed.
func (c *Checker) CheckForUpdates(ctx context.Context) ([]Available, error) {
	infos, err := c.infos.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed plugins: %w", err)
	}

	var updates []Available
	for _, info := range infos {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if info.Manifest == nil {
			continue
		}
		latest, err := c.client.LatestVersion(ctx, info.ID)
		if err != nil {
			c.logger.Warn("cannot check for update", "plugin", info.ID, "error", err)
			continue
		}
		if latest.VersionCode <= info.Manifest.VersionCode {
			continue
		}
		updates = append(updates, Available{
			PluginID:           info.ID,
			CurrentVersion:     info.Manifest.Version,
			CurrentVersionCode: info.Manifest.VersionCode,
			Latest:             latest,
		})
	}
	c.mu.Lock()
	c.available.Set(updates)
	c.mu.Unlock()
	c.logger.Debug("update check complete", "plugins", len(infos), "updates", len(updates))

	if c.autoUpdate {
		for _, u := range updates {
			if err := c.UpdatePlugin(ctx, u.PluginID); err != nil {
				c.logger.Warn("automatic update failed", "plugin", u.PluginID, "error", err)
			}
		}
	}
	return updates, nil
}

// DownloadUpdate downloads the available update of a plugin and returns
// the package path.
func (c *Checker) DownloadUpdate(ctx context.Context, id string) (string, error) {
	u, ok := c.find(id)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoUpdate, id)
		c.setStatus(id, Status{Phase: PhaseFailed, Message: err.Error()})
		return "", err
	}

	c.setStatus(id, Status{Phase: PhaseDownloading})
	path, err := c.download(ctx, id, u.Latest, func(percent int) {
		c.setStatus(id, Status{Phase: PhaseDownloading, Progress: percent})
	})
	if err != nil {
		c.setStatus(id, Status{Phase: PhaseFailed, Message: err.Error()})
		return "", err
	}
	c.setStatus(id, Status{Phase: PhaseDownloaded, Progress: 100})
	return path, nil
}

func (c *Checker) download(ctx context.Context, id string, r Release, progress ProgressFunc) (string, error) {
	if err := os.MkdirAll(c.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	dest := filepath.Join(c.downloadDir, fmt.Sprintf("%s-%d%s", id, r.VersionCode, plugin.PackageExt))
	if err := c.client.Download(ctx, r.DownloadURL, dest, progress); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("download %s %s: %w", id, r.Version, err)
	}
	if r.Checksum != "" {
		if err := verifyChecksum(dest, r.Checksum); err != nil {
			os.Remove(dest)
			return "", fmt.Errorf("download %s %s: %w", id, r.Version, err)
		}
	}
	return dest, nil
}

// InstallUpdate replaces an installed plugin with the package at path and
// records the attempt in the update history. A running plugin is stopped
// and restarted by the installer.
func (c *Checker) InstallUpdate(ctx context.Context, id, path string) error {
	c.setStatus(id, Status{Phase: PhaseInstalling})

	err := c.install(ctx, id, path)
	if err != nil {
		c.setStatus(id, Status{Phase: PhaseFailed, Message: err.Error()})
		return err
	}
	c.dropAvailable(id)
	c.setStatus(id, Status{Phase: PhaseCompleted})
	return nil
}

func (c *Checker) install(ctx context.Context, id, path string) error {
	current, err := c.infos.Get(ctx, id)
	if err != nil {
		return err
	}

	rec := Record{
		ID:              uuid.NewString(),
		PluginID:        id,
		FromVersion:     current.Manifest.Version,
		FromVersionCode: current.Manifest.VersionCode,
		Timestamp:       c.now(),
	}
	if m, verr := c.installer.ValidatePackage(path); verr == nil {
		rec.ToVersion, rec.ToVersionCode = m.Version, m.VersionCode
	}

	info, err := c.installer.ReplacePlugin(ctx, path, id)
	if err == nil {
		rec.Success = true
		rec.ToVersion, rec.ToVersionCode = info.Manifest.Version, info.Manifest.VersionCode
	} else {
		rec.Error = err.Error()
	}

	if herr := c.history.AddHistory(ctx, rec); herr != nil {
		c.logger.Error("cannot record update", "plugin", id, "error", herr)
	}
	if err != nil {
		c.logger.Warn("update failed", "plugin", id, "from", rec.FromVersion, "to", rec.ToVersion, "error", err)
		return fmt.Errorf("install update of %s: %w", id, err)
	}
	c.logger.Info("plugin updated", "plugin", id, "from", rec.FromVersion, "to", rec.ToVersion)
	return nil
}

// UpdatePlugin downloads and installs the available update of a plugin.
// The downloaded package is removed afterwards.
func (c *Checker) UpdatePlugin(ctx context.Context, id string) error {
	path, err := c.DownloadUpdate(ctx, id)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	return c.InstallUpdate(ctx, id, path)
}

// RetryUpdate clears a failed status and tries the update again.
func (c *Checker) RetryUpdate(ctx context.Context, id string) error {
	c.setStatus(id, Status{Phase: PhaseIdle})
	return c.UpdatePlugin(ctx, id)
}

// Rollback reinstalls a version the plugin had before. The version must
// appear in the plugin's update history.
func (c *Checker) Rollback(ctx context.Context, id string, versionCode int) error {
	records, err := c.history.History(ctx, id)
	if err != nil {
		return err
	}
	if !hadVersion(records, versionCode) {
		return fmt.Errorf("%w: %s version code %d", ErrVersionNotInHistory, id, versionCode)
	}

	c.setStatus(id, Status{Phase: PhaseRollingBack})
	err = c.rollback(ctx, id, versionCode)
	if err != nil {
		c.setStatus(id, Status{Phase: PhaseFailed, Message: err.Error()})
		return err
	}
	c.setStatus(id, Status{Phase: PhaseCompleted})
	return nil
}

func (c *Checker) rollback(ctx context.Context, id string, versionCode int) error {
	url, err := c.client.VersionDownloadURL(ctx, id, versionCode)
	if err != nil {
		return fmt.Errorf("locate %s version code %d: %w", id, versionCode, err)
	}
	r := Release{VersionCode: versionCode, DownloadURL: url}
	if versions, verr := c.client.Versions(ctx, id); verr == nil {
		for _, v := range versions {
			if v.VersionCode == versionCode {
				r.Version, r.Checksum = v.Version, v.Checksum
				break
			}
		}
	}

	path, err := c.download(ctx, id, r, nil)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	return c.install(ctx, id, path)
}

func hadVersion(records []Record, versionCode int) bool {
	for _, r := range records {
		if r.FromVersionCode == versionCode {
			return true
		}
		if r.Success && r.ToVersionCode == versionCode {
			return true
		}
	}
	return false
}

// History returns the update records of a plugin, oldest first.
func (c *Checker) History(ctx context.Context, id string) ([]Record, error) {
	return c.history.History(ctx, id)
}

// AllHistory returns every update record.
func (c *Checker) AllHistory(ctx context.Context) ([]Record, error) {
	return c.history.AllHistory(ctx)
}

// AvailableUpdates returns the updates found by the last check.
func (c *Checker) AvailableUpdates() []Available {
	return c.available.Get()
}

// SubscribeAvailable returns a subscription to the available updates.
func (c *Checker) SubscribeAvailable() *stream.Subscription[[]Available] {
	return c.available.Subscribe()
}

// Status returns the update status of a plugin.
func (c *Checker) Status(id string) Status {
	return c.statuses.Get()[id]
}

// Statuses returns a subscription to the update status of every plugin.
func (c *Checker) Statuses() *stream.Subscription[map[string]Status] {
	return c.statuses.Subscribe()
}

// Notification summarizes the available updates.
func (c *Checker) Notification() Notification {
	updates := c.available.Get()
	return Notification{Count: len(updates), Updates: updates}
}

func (c *Checker) find(id string) (Available, bool) {
	for _, u := range c.available.Get() {
		if u.PluginID == id {
			return u, true
		}
	}
	return Available{}, false
}

func (c *Checker) dropAvailable(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []Available
	for _, u := range c.available.Get() {
		if u.PluginID != id {
			kept = append(kept, u)
		}
	}
	c.available.Set(kept)
}

func (c *Checker) setStatus(id string, s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.statuses.Get()
	next := make(map[string]Status, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = s
	c.statuses.Set(next)
}

func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, want)
	}
	return nil
}
