package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// removedGlobals load code from outside the package or bypass the
// module allow list.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module"}

// builtinModules are the standard modules require may return.
var builtinModules = map[string]bool{
	lua.BaseLibName:      true,
	lua.TabLibName:       true,
	lua.StringLibName:    true,
	lua.MathLibName:      true,
	lua.CoroutineLibName: true,
}

// installSandbox removes globals that could load arbitrary code and replaces
// require with one that only resolves builtin and preloaded modules.
func installSandbox(L *lua.LState, preload map[string]lua.LGFunction) {
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	pkg, ok := L.GetGlobal(lua.LoadLibName).(*lua.LTable)
	if !ok {
		return
	}
	L.SetField(pkg, "path", lua.LString(""))
	L.SetField(pkg, "cpath", lua.LString(""))

	// Drop the file searchers so only package.preload can resolve modules.
	if loaders, ok := L.GetField(pkg, "loaders").(*lua.LTable); ok {
		for i := loaders.Len(); i > 1; i-- {
			loaders.Remove(i)
		}
	}

	original := L.GetGlobal("require")
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !builtinModules[name] {
			if _, ok := preload[name]; !ok {
				L.RaiseError("module %q is not available", name)
				return 0
			}
		}
		L.Push(original)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}
