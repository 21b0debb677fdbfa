package lua

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plughost/internal/plugin"
)

// HostModule is the name plugins require to reach the host.
const HostModule = "host"

// maxResponseBody bounds http_get responses.
const maxResponseBody = 4 << 20

// hostBinding connects the host module to the plugin's context once the
// plugin is initialized. Every call goes through plugin.Context, which
// enforces permissions.
type hostBinding struct {
	host atomic.Pointer[plugin.Context]
}

func (b *hostBinding) bind(c plugin.Context) {
	b.host.Store(&c)
}

func (b *hostBinding) unbind() {
	b.host.Store(nil)
}

func (b *hostBinding) context(L *lua.LState) plugin.Context {
	c := b.host.Load()
	if c == nil {
		L.RaiseError("%s", ErrNotInitialized.Error())
		return nil
	}
	return *c
}

// loader returns the module loader registered under HostModule.
func (b *hostBinding) loader() lua.LGFunction {
	return func(L *lua.LState) int {
		mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
			"id":             b.id,
			"log":            b.log,
			"has_permission": b.hasPermission,
			"read_file":      b.readFile,
			"write_file":     b.writeFile,
			"remove_file":    b.removeFile,
			"http_get":       b.httpGet,
			"pref_get":       b.prefGet,
			"pref_set":       b.prefSet,
			"notify":         b.notify,
			"report_usage":   b.reportUsage,
		})
		L.Push(mod)
		return 1
	}
}

// fail pushes the Lua (nil, message) error convention.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (b *hostBinding) id(L *lua.LState) int {
	L.Push(lua.LString(b.context(L).PluginID()))
	return 1
}

func (b *hostBinding) log(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	logger := b.context(L).Logger()
	switch level {
	case "debug":
		logger.Debug(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return 0
}

func (b *hostBinding) hasPermission(L *lua.LState) int {
	p, err := plugin.ParsePermission(L.CheckString(1))
	if err != nil {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(b.context(L).HasPermission(p)))
	return 1
}

func (b *hostBinding) readFile(L *lua.LState) int {
	data, err := b.context(L).ReadFile(L.CheckString(1))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

func (b *hostBinding) writeFile(L *lua.LState) int {
	if err := b.context(L).WriteFile(L.CheckString(1), []byte(L.CheckString(2))); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (b *hostBinding) removeFile(L *lua.LState) int {
	if err := b.context(L).RemoveFile(L.CheckString(1)); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (b *hostBinding) httpGet(L *lua.LState) int {
	host := b.context(L)
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, L.CheckString(1), nil)
	if err != nil {
		return fail(L, err)
	}
	resp, err := host.HTTPClient().Do(req)
	if err != nil {
		return fail(L, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(body))
	L.Push(lua.LNumber(resp.StatusCode))
	return 2
}

func (b *hostBinding) prefGet(L *lua.LState) int {
	v, err := b.context(L).Preferences().GetString(L.CheckString(1), L.OptString(2, ""))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(v))
	return 1
}

func (b *hostBinding) prefSet(L *lua.LState) int {
	if err := b.context(L).Preferences().Set(L.CheckString(1), ToGo(L.Get(2))); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (b *hostBinding) notify(L *lua.LState) int {
	if err := b.context(L).Notify(L.CheckString(1), L.OptString(2, "")); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (b *hostBinding) reportUsage(L *lua.LState) int {
	b.context(L).ReportUsage(float64(L.CheckNumber(1)), uint64(L.OptNumber(2, 0)))
	return 0
}
