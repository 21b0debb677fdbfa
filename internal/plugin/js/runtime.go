package js

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/plugin"
)

// DefaultExecutionTimeout bounds a single call into a script.
const DefaultExecutionTimeout = 5 * time.Second

// Errors returned by script calls.
var (
	ErrClosed           = errors.New("js plugin is closed")
	ErrExecutionTimeout = errors.New("js execution timeout")
	ErrFunctionNotFound = errors.New("js function not found")
)

// Runtime instantiates JavaScript plugins. It implements
// plugin.Instantiator for manifests whose runtime is "js".
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

// NewRuntime creates a JavaScript runtime.
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

var _ plugin.Instantiator = (*Runtime)(nil)

// Instantiate runs the manifest's main script in a fresh VM.
func (r *Runtime) Instantiate(ctx context.Context, pkg plugin.Package, m *plugin.Manifest) (plugin.Plugin, error) {
	code, err := pkg.ReadEntry(m.Main)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Main, err)
	}
	program, err := goja.Compile(m.Main, string(code), true)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", m.Main, err)
	}

	p := &jsPlugin{
		manifest: m,
		vm:       goja.New(),
		timeout:  r.timeout,
		host:     &host{},
	}
	p.host.call = p.callContext
	p.vm.SetFieldNameMapper(fieldNameMapper{})
	if err := p.vm.Set("host", p.host); err != nil {
		return nil, err
	}

	p.mu.Lock()
	_, err = p.runLocked(ctx, func() (goja.Value, error) { return p.vm.RunProgram(program) })
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.logger.Debug("js plugin instantiated", "plugin", m.ID)
	return p, nil
}

// jsPlugin adapts a script to plugin.Plugin. goja runtimes are not
// goroutine-safe; mu serializes every call.
type jsPlugin struct {
	mu       sync.Mutex
	manifest *plugin.Manifest
	vm       *goja.Runtime
	timeout  time.Duration
	host     *host
	closed   bool

	// Context of the call in progress, for host methods that block.
	current context.Context
}

func (p *jsPlugin) callContext() context.Context {
	if p.current == nil {
		return context.Background()
	}
	return p.current
}

// runLocked runs fn, interrupting the VM when ctx is done or the timeout
// passes.
func (p *jsPlugin) runLocked(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.current = ctx
	defer func() { p.current = nil }()

	stop := context.AfterFunc(ctx, func() {
		p.vm.Interrupt(ctx.Err())
	})
	defer func() {
		stop()
		p.vm.ClearInterrupt()
	}()

	v, err := fn()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
			}
			return nil, ctx.Err()
		}
		return nil, err
	}
	return v, nil
}

func (p *jsPlugin) hasFunction(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	_, ok := goja.AssertFunction(p.vm.Get(name))
	return ok
}

// call invokes a global function and exports its result.
func (p *jsPlugin) call(ctx context.Context, name string, args ...any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	fn, ok := goja.AssertFunction(p.vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = p.vm.ToValue(a)
	}
	v, err := p.runLocked(ctx, func() (goja.Value, error) {
		return fn(goja.Undefined(), jsArgs...)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

func (p *jsPlugin) Manifest() *plugin.Manifest {
	return p.manifest
}

func (p *jsPlugin) Initialize(ctx context.Context, c plugin.Context) error {
	p.host.ctx.Store(&c)
	if !p.hasFunction("initialize") {
		return nil
	}
	_, err := p.call(ctx, "initialize")
	return err
}

// Cleanup runs the script's cleanup function and releases the VM. Later
// calls are no-ops.
func (p *jsPlugin) Cleanup() error {
	var err error
	if p.hasFunction("cleanup") {
		_, err = p.call(context.Background(), "cleanup")
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.host.ctx.Store(nil)
	return err
}

func (p *jsPlugin) Capabilities() plugin.Capabilities {
	var caps plugin.Capabilities
	if p.hasFunction("colors") {
		caps.Theme = p
	}
	if p.hasFunction("translate") {
		caps.Translator = p
	}
	if p.hasFunction("speak") {
		caps.Speaker = p
	}
	if p.hasFunction("invoke") {
		caps.Feature = p
	}
	return caps
}

func (p *jsPlugin) Colors(ctx context.Context) (map[string]string, error) {
	v, err := p.call(ctx, "colors")
	if err != nil {
		return nil, err
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("colors: expected object, got %T", v)
	}
	colors := make(map[string]string, len(raw))
	for k, c := range raw {
		colors[k] = fmt.Sprint(c)
	}
	return colors, nil
}

func (p *jsPlugin) Translate(ctx context.Context, text, from, to string) (string, error) {
	v, err := p.call(ctx, "translate", text, from, to)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("translate: expected string, got %T", v)
	}
	return s, nil
}

func (p *jsPlugin) Speak(ctx context.Context, text, voice string) error {
	_, err := p.call(ctx, "speak", text, voice)
	return err
}

func (p *jsPlugin) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	return p.call(ctx, "invoke", action, args)
}

// fieldNameMapper exposes Go methods in lower camel case, treating a
// leading acronym as one word: ID -> id, HTTPGet -> httpGet.
type fieldNameMapper struct{}

func (fieldNameMapper) FieldName(_ reflect.Type, f reflect.StructField) string {
	if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" && tag != "-" {
		return tag
	}
	return lowerCamel(f.Name)
}

func (fieldNameMapper) MethodName(_ reflect.Type, m reflect.Method) string {
	return lowerCamel(m.Name)
}

func lowerCamel(name string) string {
	runes := []rune(name)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return name
	case n == len(runes):
		return strings.ToLower(name)
	case n > 1:
		// The last upper-case rune starts the next word.
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}
