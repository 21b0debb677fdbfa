package security

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
)

// UsageReporter receives usage reported by or observed for a plugin.
type UsageReporter interface {
	Report(id string, cpuPercent float64, memoryBytes uint64)
	RecordNetworkUsage(id string, bytes uint64)
}

// NotifyFunc shows a notification on behalf of a plugin.
type NotifyFunc func(pluginID, title, body string) error

// Context is the host surface handed to one plugin. It implements
// plugin.Context and checks every host access against the sandbox.
type Context struct {
	sandbox     *Sandbox
	permissions *PermissionManager
	prefs       *FilePreferences
	usage       UsageReporter
	notify      NotifyFunc
	logger      hclog.Logger
	client      *http.Client
	fileOps     *RateLimiter
	requests    *RateLimiter

	// Bytes transferred through HTTPClient.
	transferred atomic.Uint64
}

var _ plugin.Context = (*Context)(nil)

func newContext(sb *Sandbox, pm *PermissionManager, prefs *FilePreferences, usage UsageReporter, notify NotifyFunc, base http.RoundTripper, ops OperationLimits, now func() time.Time, logger hclog.Logger) *Context {
	c := &Context{
		sandbox:     sb,
		permissions: pm,
		prefs:       prefs,
		usage:       usage,
		notify:      notify,
		logger:      logger,
		fileOps:     NewRateLimiter(ops.FileOpsPerSecond, now),
		requests:    NewRateLimiter(ops.RequestsPerSecond, now),
	}
	if base == nil {
		base = http.DefaultTransport
	}
	c.client = &http.Client{Transport: &sandboxTransport{ctx: c, base: base}}
	return c
}

// PluginID returns the plugin the context belongs to.
func (c *Context) PluginID() string {
	return c.sandbox.PluginID()
}

// DataDir returns the plugin's private data directory.
func (c *Context) DataDir() string {
	return c.sandbox.DataDir()
}

// Sandbox returns the plugin's sandbox.
func (c *Context) Sandbox() *Sandbox {
	return c.sandbox
}

// HasPermission returns true if the permission is declared and granted.
func (c *Context) HasPermission(p plugin.Permission) bool {
	return c.sandbox.CheckPermission(p)
}

// RequestPermission asks for a declared permission on the plugin's behalf.
func (c *Context) RequestPermission(ctx context.Context, p plugin.Permission) Result {
	return c.permissions.RequestPermission(ctx, c.PluginID(), p, c.sandbox.Manifest())
}

// ReadFile reads a file inside the data directory.
func (c *Context) ReadFile(name string) ([]byte, error) {
	path, err := c.checkFileOp(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes a file inside the data directory.
func (c *Context) WriteFile(name string, data []byte) error {
	path, err := c.checkFileOp(name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// RemoveFile removes a file inside the data directory. The data directory
// itself cannot be removed.
func (c *Context) RemoveFile(name string) error {
	path, err := c.checkFileOp(name)
	if err != nil {
		return err
	}
	if path == c.sandbox.DataDir() {
		return &SecurityError{PluginID: c.PluginID(), Resource: name, Reason: "cannot remove data directory"}
	}
	return os.Remove(path)
}

func (c *Context) checkFileOp(name string) (string, error) {
	path, err := c.sandbox.CheckFileAccess(name)
	if err != nil {
		return "", err
	}
	if !c.fileOps.Allow() {
		return "", &RateLimitError{PluginID: c.PluginID(), Operation: "file operations", Rate: c.fileOps.rate}
	}
	return path, nil
}

// HTTPClient returns a client whose requests are checked against the
// network policy. Transferred bytes are recorded as network usage.
func (c *Context) HTTPClient() *http.Client {
	return c.client
}

// Transferred returns the bytes moved through HTTPClient so far.
func (c *Context) Transferred() uint64 {
	return c.transferred.Load()
}

// Preferences returns the plugin's preference store. The permission is
// checked on every call so a later grant takes effect immediately.
func (c *Context) Preferences() plugin.Preferences {
	if !c.sandbox.CheckPermission(plugin.PermissionPreferences) || c.prefs == nil {
		return deniedPreferences{}
	}
	return c.prefs
}

// Notify shows a notification. It requires the notifications permission.
func (c *Context) Notify(title, body string) error {
	if err := c.sandbox.RequirePermission(plugin.PermissionNotifications, "notification"); err != nil {
		return err
	}
	if c.notify == nil {
		c.logger.Info("plugin notification", "title", title, "body", body)
		return nil
	}
	return c.notify(c.PluginID(), title, body)
}

// ReportUsage records the plugin's own CPU and memory consumption.
func (c *Context) ReportUsage(cpuPercent float64, memoryBytes uint64) {
	if c.usage != nil {
		c.usage.Report(c.PluginID(), cpuPercent, memoryBytes)
	}
}

// Logger returns a logger named after the plugin.
func (c *Context) Logger() hclog.Logger {
	return c.logger
}

func (c *Context) recordNetwork(n uint64) {
	if n == 0 {
		return
	}
	c.transferred.Add(n)
	if c.usage != nil {
		c.usage.RecordNetworkUsage(c.PluginID(), n)
	}
}

// sandboxTransport checks each request against the sandbox and counts the
// bytes sent and received.
type sandboxTransport struct {
	ctx  *Context
	base http.RoundTripper
}

func (t *sandboxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.sandbox.CheckNetworkAccess(req.URL.String()); err != nil {
		return nil, err
	}
	if !t.ctx.requests.Allow() {
		return nil, &RateLimitError{PluginID: t.ctx.PluginID(), Operation: "network requests", Rate: t.ctx.requests.rate}
	}

	if req.ContentLength > 0 {
		t.ctx.recordNetwork(uint64(req.ContentLength))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", t.ctx.PluginID(), err)
	}
	resp.Body = &countingBody{ReadCloser: resp.Body, record: t.ctx.recordNetwork}
	return resp, nil
}

type countingBody struct {
	io.ReadCloser
	record func(uint64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.record(uint64(n))
	}
	return n, err
}
