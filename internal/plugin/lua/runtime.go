package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
)

// Global functions a Lua plugin may define.
const (
	fnInitialize = "initialize"
	fnCleanup    = "cleanup"
	fnColors     = "colors"
	fnTranslate  = "translate"
	fnSpeak      = "speak"
	fnInvoke     = "invoke"
)

// Runtime instantiates Lua plugins. It implements plugin.Instantiator for
// manifests whose runtime is "lua".
type Runtime struct {
	timeout time.Duration
	logger  hclog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithTimeout sets the execution timeout of every call into a plugin.
func WithTimeout(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// NewRuntime creates a Lua runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		timeout: DefaultExecutionTimeout,
		logger:  hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Instantiate loads the manifest's main script into a fresh sandboxed state
// and runs its top-level code.
func (r *Runtime) Instantiate(ctx context.Context, pkg plugin.Package, m *plugin.Manifest) (plugin.Plugin, error) {
	code, err := pkg.ReadEntry(m.Main)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Main, err)
	}

	binding := &hostBinding{}
	state := NewState(
		WithExecutionTimeout(r.timeout),
		WithModule(HostModule, binding.loader()),
	)
	if err := state.DoString(ctx, m.Main, string(code)); err != nil {
		state.Close()
		return nil, err
	}

	r.logger.Debug("lua plugin instantiated", "plugin", m.ID)
	return &luaPlugin{manifest: m, state: state, binding: binding}, nil
}

var _ plugin.Instantiator = (*Runtime)(nil)

// luaPlugin adapts a Lua script to plugin.Plugin.
type luaPlugin struct {
	manifest *plugin.Manifest
	state    *State
	binding  *hostBinding

	cleanupOnce sync.Once
}

func (p *luaPlugin) Manifest() *plugin.Manifest {
	return p.manifest
}

func (p *luaPlugin) Initialize(ctx context.Context, host plugin.Context) error {
	p.binding.bind(host)
	if !p.state.HasFunction(fnInitialize) {
		return nil
	}
	_, err := p.state.Call(ctx, fnInitialize)
	return err
}

// Cleanup runs the script's cleanup function and closes the state. Later
// calls are no-ops.
func (p *luaPlugin) Cleanup() error {
	var err error
	p.cleanupOnce.Do(func() {
		if p.state.HasFunction(fnCleanup) {
			_, err = p.state.Call(context.Background(), fnCleanup)
		}
		p.binding.unbind()
		p.state.Close()
	})
	return err
}

func (p *luaPlugin) Capabilities() plugin.Capabilities {
	var caps plugin.Capabilities
	if p.state.HasFunction(fnColors) {
		caps.Theme = p
	}
	if p.state.HasFunction(fnTranslate) {
		caps.Translator = p
	}
	if p.state.HasFunction(fnSpeak) {
		caps.Speaker = p
	}
	if p.state.HasFunction(fnInvoke) {
		caps.Feature = p
	}
	return caps
}

func (p *luaPlugin) Colors(ctx context.Context) (map[string]string, error) {
	results, err := p.state.Call(ctx, fnColors)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("colors: no result")
	}
	raw, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("colors: expected table, got %T", results[0])
	}
	colors := make(map[string]string, len(raw))
	for k, v := range raw {
		colors[k] = fmt.Sprint(v)
	}
	return colors, nil
}

func (p *luaPlugin) Translate(ctx context.Context, text, from, to string) (string, error) {
	results, err := p.state.Call(ctx, fnTranslate, text, from, to)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errors.New("translate: no result")
	}
	s, ok := results[0].(string)
	if !ok {
		return "", fmt.Errorf("translate: expected string, got %T", results[0])
	}
	return s, nil
}

func (p *luaPlugin) Speak(ctx context.Context, text, voice string) error {
	_, err := p.state.Call(ctx, fnSpeak, text, voice)
	return err
}

func (p *luaPlugin) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	results, err := p.state.Call(ctx, fnInvoke, action, args)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}
