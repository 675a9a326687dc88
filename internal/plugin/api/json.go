package api

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// Libraries returns the loaders for shared libraries plugins may require
// by name.
func Libraries() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"json": JSONLibrary,
	}
}

// JSONLibrary is the loader behind require("json").
func JSONLibrary(L *lua.LState) int {
	L.Push(jsonTable(L))
	return 1
}

func jsonTable(L *lua.LState) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"encode": jsonEncode,
		"decode": jsonDecode,
		"valid":  jsonValid,
		"get":    jsonGet,
		"set":    jsonSet,
	})
}

// encode(value) -> string
func jsonEncode(L *lua.LState) int {
	data, err := json.Marshal(plua.NewBridge(L).ToGo(L.CheckAny(1)))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

// decode(s) -> value
func jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		return fail(L, fmt.Errorf("decode json: %w", err))
	}
	L.Push(plua.NewBridge(L).ToLua(v))
	return 1
}

// valid(s) -> bool
func jsonValid(L *lua.LState) int {
	L.Push(lua.LBool(gjson.Valid(L.CheckString(1))))
	return 1
}

// get(doc, path) -> value | nil
func jsonGet(L *lua.LState) int {
	res := gjson.Get(L.CheckString(1), L.CheckString(2))
	if !res.Exists() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(plua.NewBridge(L).ToLua(res.Value()))
	return 1
}

// set(doc, path, value) -> doc
func jsonSet(L *lua.LState) int {
	out, err := sjson.Set(L.CheckString(1), L.CheckString(2), plua.NewBridge(L).ToGo(L.CheckAny(3)))
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(out))
	return 1
}
