package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultExecutionTimeout bounds a single call into Lua.
const DefaultExecutionTimeout = 5 * time.Second

// State wraps gopher-lua with the sandbox installed and calls serialized.
//
// gopher-lua's LState is not goroutine-safe; every entry point takes mu.
// Calls run under a context with the execution timeout, which the VM
// checks between instructions, so runaway loops are interrupted.
type State struct {
	mu sync.Mutex

	L                *lua.LState
	executionTimeout time.Duration
	preload          map[string]lua.LGFunction
	closed           bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout sets the timeout for each call into Lua. Zero
// disables it.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.executionTimeout = d
	}
}

// WithModule makes a Go-implemented module available to require.
func WithModule(name string, loader lua.LGFunction) StateOption {
	return func(s *State) {
		s.preload[name] = loader
	}
}

// NewState creates a sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	s := &State{
		executionTimeout: DefaultExecutionTimeout,
		preload:          make(map[string]lua.LGFunction),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(s.L)
	for name, loader := range s.preload {
		s.L.PreloadModule(name, loader)
	}
	installSandbox(s.L, s.preload)
	return s
}

// openSafeLibraries opens only safe Lua standard libraries. io, os and
// debug are never opened.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// DoString executes a chunk. name identifies it in error messages.
func (s *State) DoString(ctx context.Context, name, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	fn, err := s.L.Load(strings.NewReader(code), name)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}
	_, err = s.callLocked(ctx, fn)
	return err
}

// HasFunction returns true if a global function with the name exists.
func (s *State) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// Call calls a global function with Go arguments and returns Go results.
// It returns ErrFunctionNotFound if the function is not defined.
func (s *State) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn, ok := s.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = ToLua(s.L, a)
	}
	results, err := s.callLocked(ctx, fn, largs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = ToGo(r)
	}
	return out, nil
}

// callLocked runs fn under the execution timeout and returns its results.
func (s *State) callLocked(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) (results []lua.LValue, err error) {
	if s.executionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executionTimeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("lua panic: %v", r)
		}
	}()

	top := s.L.GetTop()
	err = s.L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, args...)
	if err != nil {
		s.L.SetTop(top)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	n := s.L.GetTop() - top
	results = make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.SetTop(top)
	return results, nil
}

// Close releases the Lua state. It is safe to call more than once.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.L.Close()
	}
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
