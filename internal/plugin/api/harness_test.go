package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// harness runs scripts against a capability table bound to global ctx.
type harness struct {
	exec *plua.Executor
}

func newHarness(t *testing.T, build func(d Dispatcher) []Module) *harness {
	t.Helper()
	h := &harness{exec: plua.NewExecutor(lua.NewState(), 0)}
	t.Cleanup(h.exec.Close)

	reg := NewRegistry()
	for _, mod := range build(h.exec) {
		require.NoError(t, reg.Register(mod))
	}
	require.NoError(t, h.exec.Do(context.Background(), func(L *lua.LState) error {
		surface, err := reg.Build(L)
		if err != nil {
			return err
		}
		L.SetGlobal("ctx", surface)
		return nil
	}))
	return h
}

func withModules(mods ...Module) func(Dispatcher) []Module {
	return func(Dispatcher) []Module { return mods }
}

// eval runs src and returns the global result converted to Go.
func (h *harness) eval(t *testing.T, src string) any {
	t.Helper()
	var out any
	require.NoError(t, h.exec.Do(context.Background(), func(L *lua.LState) error {
		L.SetGlobal("result", lua.LNil)
		if err := L.DoString(src); err != nil {
			return err
		}
		out = plua.NewBridge(L).ToGo(L.GetGlobal("result"))
		return nil
	}))
	return out
}

// evalErr runs src and returns its error.
func (h *harness) evalErr(src string) error {
	return h.exec.Do(context.Background(), func(L *lua.LState) error {
		return L.DoString(src)
	})
}

// peek is eval for polling conditions; it reports failures as nil.
func (h *harness) peek(src string) any {
	var out any
	_ = h.exec.Do(context.Background(), func(L *lua.LState) error {
		if err := L.DoString(src); err != nil {
			return err
		}
		out = plua.NewBridge(L).ToGo(L.GetGlobal("result"))
		return nil
	})
	return out
}
