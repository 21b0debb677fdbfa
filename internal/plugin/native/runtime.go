package native

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/dshills/plughost/internal/plugin"
)

// DefaultCallTimeout bounds a single call into a plugin process.
const DefaultCallTimeout = 10 * time.Second

// ErrClosed is returned by calls after Cleanup.
var ErrClosed = errors.New("native plugin is closed")

// ProcessAttacher associates a plugin with the process that runs it so its
// usage can be sampled. resource.ProcessSource implements it.
type ProcessAttacher interface {
	Attach(id string, pid int32) error
	Detach(id string)
}

// session is a connected plugin process.
type session struct {
	guest *guestRPC
	pid   int32
	kill  func()
}

type launcher func(path string, logger hclog.Logger) (*session, error)

// Runtime instantiates native plugins. It implements plugin.Instantiator
// for manifests whose runtime is "native".
type Runtime struct {
	dir      string
	timeout  time.Duration
	logger   hclog.Logger
	attacher ProcessAttacher
	launch   launcher
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithCallTimeout sets the timeout of every call into a plugin.
func WithCallTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		r.timeout = d
	}
}

// WithLogger sets the logger. Plugin process output is forwarded to a
// sub-logger named after the plugin.
func WithLogger(logger hclog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithProcessAttacher reports plugin processes to a for sampling.
func WithProcessAttacher(a ProcessAttacher) RuntimeOption {
	return func(r *Runtime) {
		r.attacher = a
	}
}

// NewRuntime creates a native runtime that extracts binaries under dir.
func NewRuntime(dir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		dir:     dir,
		timeout: DefaultCallTimeout,
		logger:  hclog.NewNullLogger(),
		launch:  launchProcess,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ plugin.Instantiator = (*Runtime)(nil)

// Instantiate extracts the plugin binary and starts it.
func (r *Runtime) Instantiate(ctx context.Context, pkg plugin.Package, m *plugin.Manifest) (plugin.Plugin, error) {
	data, err := pkg.ReadEntry(m.Main)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Main, err)
	}
	path, err := r.extract(m, data)
	if err != nil {
		return nil, err
	}

	s, err := r.launch(path, r.logger.Named(m.ID))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", m.ID, err)
	}

	p := &nativePlugin{
		manifest: m,
		session:  s,
		timeout:  r.timeout,
		attacher: r.attacher,
		logger:   r.logger,
	}
	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	caps, err := s.guest.Capabilities(callCtx)
	if err != nil {
		s.kill()
		return nil, fmt.Errorf("query %s: %w", m.ID, err)
	}
	p.caps = caps

	r.logger.Debug("native plugin started", "plugin", m.ID, "pid", s.pid, "capabilities", caps)
	return p, nil
}

// extract writes the binary to dir/<id>/<name>, replacing any previous
// copy atomically so a running older version keeps its file.
func (r *Runtime) extract(m *plugin.Manifest, data []byte) (string, error) {
	dir := filepath.Join(r.dir, m.ID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, filepath.Base(m.Main))

	tmp, err := os.CreateTemp(dir, ".extract-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("extract %s: %w", m.Main, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpName, 0700); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("extract %s: %w", m.Main, err)
	}
	return path, nil
}

// launchProcess starts the binary and performs the go-plugin handshake.
func launchProcess(path string, logger hclog.Logger) (*session, error) {
	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          pluginSet(nil),
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger:           logger,
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("connect: %w", err)
	}
	raw, err := rpcClient.Dispense(dispenseName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense: %w", err)
	}
	guest, ok := raw.(*guestRPC)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin client %T", raw)
	}

	var pid int32
	if cmd.Process != nil {
		pid = int32(cmd.Process.Pid)
	}
	return &session{guest: guest, pid: pid, kill: client.Kill}, nil
}

// nativePlugin adapts a plugin process to plugin.Plugin.
type nativePlugin struct {
	manifest *plugin.Manifest
	session  *session
	caps     []string
	timeout  time.Duration
	attacher ProcessAttacher
	logger   hclog.Logger

	mu       sync.Mutex
	closed   bool
	attached bool
}

func (p *nativePlugin) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *nativePlugin) guest() (*guestRPC, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.session.guest, nil
}

func (p *nativePlugin) Manifest() *plugin.Manifest {
	return p.manifest
}

// Initialize sends the plugin its identity and granted permissions and
// starts sampling its process.
func (p *nativePlugin) Initialize(ctx context.Context, c plugin.Context) error {
	g, err := p.guest()
	if err != nil {
		return err
	}
	req := InitRequest{PluginID: c.PluginID(), DataDir: c.DataDir()}
	for _, perm := range p.manifest.Permissions {
		if c.HasPermission(perm) {
			req.Permissions = append(req.Permissions, perm.String())
		}
	}

	callCtx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := g.Initialize(callCtx, req); err != nil {
		return err
	}

	if p.attacher != nil && p.session.pid > 0 {
		if err := p.attacher.Attach(p.manifest.ID, p.session.pid); err != nil {
			p.logger.Warn("cannot sample plugin process", "plugin", p.manifest.ID, "error", err)
		} else {
			p.mu.Lock()
			p.attached = true
			p.mu.Unlock()
		}
	}
	return nil
}

// Cleanup asks the plugin to release its resources and stops its
// process. Later calls are no-ops.
func (p *nativePlugin) Cleanup() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	attached := p.attached
	p.mu.Unlock()

	ctx, cancel := p.withTimeout(context.Background())
	err := p.session.guest.Cleanup(ctx)
	cancel()

	if attached {
		p.attacher.Detach(p.manifest.ID)
	}
	p.session.kill()
	return err
}

func (p *nativePlugin) has(capability string) bool {
	for _, c := range p.caps {
		if c == capability {
			return true
		}
	}
	return false
}

func (p *nativePlugin) Capabilities() plugin.Capabilities {
	var caps plugin.Capabilities
	if p.has(CapabilityTheme) {
		caps.Theme = p
	}
	if p.has(CapabilityTranslator) {
		caps.Translator = p
	}
	if p.has(CapabilitySpeaker) {
		caps.Speaker = p
	}
	if p.has(CapabilityFeature) {
		caps.Feature = p
	}
	return caps
}

func (p *nativePlugin) Colors(ctx context.Context) (map[string]string, error) {
	g, err := p.guest()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return g.Colors(ctx)
}

func (p *nativePlugin) Translate(ctx context.Context, text, from, to string) (string, error) {
	g, err := p.guest()
	if err != nil {
		return "", err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return g.Translate(ctx, text, from, to)
}

func (p *nativePlugin) Speak(ctx context.Context, text, voice string) error {
	g, err := p.guest()
	if err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return g.Speak(ctx, text, voice)
}

func (p *nativePlugin) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	g, err := p.guest()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return g.Invoke(ctx, action, args)
}
