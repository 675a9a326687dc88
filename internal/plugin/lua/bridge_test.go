package lua

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newBridge(t *testing.T) *Bridge {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	return NewBridge(L)
}

func TestBridgeToGo(t *testing.T) {
	b := newBridge(t)
	require.NoError(t, b.L.DoString(`
value = {
  name = "ada",
  score = 9.5,
  visits = 3,
  active = true,
  tags = { "a", "b" },
  nested = { level = 2 },
  empty = {},
  fn = function() end,
}
`))

	got := b.ToGo(b.L.GetGlobal("value"))
	assert.Equal(t, map[string]any{
		"name":   "ada",
		"score":  9.5,
		"visits": int64(3),
		"active": true,
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"level": int64(2)},
		"empty":  map[string]any{},
		"fn":     nil,
	}, got)
}

func TestBridgeToGoCycle(t *testing.T) {
	b := newBridge(t)
	require.NoError(t, b.L.DoString(`cyc = { name = "x" } cyc.self = cyc`))

	got := b.ToMap(b.L.GetGlobal("cyc"))
	assert.Equal(t, "x", got["name"])
	assert.Nil(t, got["self"])
}

func TestBridgeToMap(t *testing.T) {
	b := newBridge(t)

	assert.Nil(t, b.ToMap(lua.LString("nope")))

	seq := b.L.NewTable()
	seq.Append(lua.LString("a"))
	seq.Append(lua.LString("b"))
	assert.Equal(t, map[string]any{"1": "a", "2": "b"}, b.ToMap(seq))
}

func TestBridgeToLua(t *testing.T) {
	b := newBridge(t)
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	type label string
	tests := []struct {
		name string
		in   any
		want lua.LValue
	}{
		{"nil", nil, lua.LNil},
		{"bool", true, lua.LTrue},
		{"int", 7, lua.LNumber(7)},
		{"int64", int64(-2), lua.LNumber(-2)},
		{"float", 1.5, lua.LNumber(1.5)},
		{"string", "hi", lua.LString("hi")},
		{"bytes", []byte("raw"), lua.LString("raw")},
		{"time", when, lua.LString("2024-03-01T12:00:00Z")},
		{"duration", 1500 * time.Millisecond, lua.LNumber(1.5)},
		{"named string", label("x"), lua.LString("x")},
		{"lvalue", lua.LString("as-is"), lua.LString("as-is")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.ToLua(tt.in))
		})
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	b := newBridge(t)
	in := map[string]any{
		"id":    "lead-1",
		"score": int64(10),
		"tags":  []any{"hot", "b2b"},
		"owner": map[string]any{"name": "sam"},
	}
	assert.Equal(t, in, b.ToGo(b.ToLua(in)))
}

func TestBridgeReadOnly(t *testing.T) {
	b := newBridge(t)
	inner := b.L.NewTable()
	inner.RawSetString("name", lua.LString("greeter"))
	b.L.SetGlobal("meta", b.ReadOnly(inner))

	require.NoError(t, b.L.DoString(`assert(meta.name == "greeter")`))

	err := b.L.DoString(`meta.name = "other"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")

	err = b.L.DoString(`setmetatable(meta, {})`)
	assert.Error(t, err)
	assert.Equal(t, lua.LString("greeter"), inner.RawGetString("name"))
}

func TestBridgeCall(t *testing.T) {
	b := newBridge(t)
	require.NoError(t, b.L.DoString(`
function pair(a, b) return b, a end
function fail() error("nope") end
`))

	fn, ok := b.L.GetGlobal("pair").(*lua.LFunction)
	require.True(t, ok)
	top := b.L.GetTop()
	out, err := b.Call(fn, lua.LNumber(1), lua.LNumber(2))
	require.NoError(t, err)
	assert.Equal(t, []lua.LValue{lua.LNumber(2), lua.LNumber(1)}, out)
	assert.Equal(t, top, b.L.GetTop())

	fail := b.L.GetGlobal("fail").(*lua.LFunction)
	_, err = b.Call(fail)
	require.Error(t, err)
	assert.Equal(t, top, b.L.GetTop())
	assert.Contains(t, runtimeError(err).Error(), "nope")
}

func TestField(t *testing.T) {
	b := newBridge(t)
	require.NoError(t, b.L.DoString(`mod = { run = function() end, name = "x" }`))
	mod := b.L.GetGlobal("mod").(*lua.LTable)

	_, ok := Field(mod, "run")
	assert.True(t, ok)
	_, ok = Field(mod, "name")
	assert.False(t, ok)
	_, ok = Field(mod, "missing")
	assert.False(t, ok)
}
