package lua

import (
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value to a Go value. Tables with contiguous integer
// keys from 1 become []any, other tables become map[string]any. Functions
// and cyclic references become nil.
func ToGo(lv lua.LValue) any {
	return toGo(lv, make(map[*lua.LTable]bool))
}

func toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case nil:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && count == n {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = kv.String()
		default:
			key = k.String()
		}
		m[key] = toGo(v, visited)
	})
	return m
}

// ToLua converts a Go value to a Lua value in L.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, e := range val {
			t.RawSetInt(i+1, ToLua(L, e))
		}
		return t
	case []string:
		t := L.CreateTable(len(val), 0)
		for i, e := range val {
			t.RawSetInt(i+1, lua.LString(e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, e := range val {
			t.RawSetString(k, ToLua(L, e))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for k, e := range val {
			t.RawSetString(k, lua.LString(e))
		}
		return t
	default:
		return reflectToLua(L, reflect.ValueOf(v))
	}
}

func reflectToLua(L *lua.LState, rv reflect.Value) lua.LValue {
	switch rv.Kind() {
	case reflect.Invalid:
		return lua.LNil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil
		}
		return reflectToLua(L, rv.Elem())
	case reflect.Bool:
		return lua.LBool(rv.Bool())
	case reflect.String:
		return lua.LString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	case reflect.Slice, reflect.Array:
		t := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, ToLua(L, rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(ToLua(L, iter.Key().Interface()), ToLua(L, iter.Value().Interface()))
		}
		return t
	case reflect.Struct:
		return structToTable(L, rv)
	default:
		ud := L.NewUserData()
		ud.Value = rv.Interface()
		return ud
	}
}

// structToTable converts exported fields, named by their json tag if present.
func structToTable(L *lua.LState, rv reflect.Value) *lua.LTable {
	rt := rv.Type()
	t := L.CreateTable(0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		t.RawSetString(name, ToLua(L, rv.Field(i).Interface()))
	}
	return t
}
