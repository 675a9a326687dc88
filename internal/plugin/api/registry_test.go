package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/crmplugins/internal/crm"
	"github.com/dshills/crmplugins/internal/event"
	"github.com/dshills/crmplugins/internal/logging"
)

type stubModule struct {
	name   string
	builds int
	err    error
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Build(L *lua.LState) (lua.LValue, error) {
	m.builds++
	if m.err != nil {
		return nil, m.err
	}
	return lua.LString(m.name), nil
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubModule{name: "b"}))
	require.NoError(t, r.Register(&stubModule{name: "a"}))

	err := r.Register(&stubModule{name: "a"})
	assert.ErrorIs(t, err, ErrDuplicateModule)

	assert.Equal(t, []string{"b", "a"}, r.List())
	mod, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", mod.Name())
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryBuild(t *testing.T) {
	h := newHarness(t, withModules(&stubModule{name: "alpha"}, &stubModule{name: "beta"}))

	assert.Equal(t, "alpha", h.eval(t, `result = ctx.alpha`))
	assert.Equal(t, "beta", h.eval(t, `result = ctx.beta`))
	assert.Nil(t, h.eval(t, `result = ctx.os`))

	err := h.evalErr(`ctx.alpha = "replaced"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestRegistryBuildError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Register(&stubModule{name: "bad", err: boom}))

	L := lua.NewState()
	defer L.Close()
	_, err := r.Build(L)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestStandard(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	t.Run("minimal", func(t *testing.T) {
		reg, err := Standard(&Context{Metadata: Metadata{Name: "p"}, Logger: logging.Discard()})
		require.NoError(t, err)
		assert.Equal(t, []string{"metadata", "utils", "network"}, reg.List())
	})

	t.Run("full", func(t *testing.T) {
		reg, err := Standard(&Context{
			Metadata:   Metadata{Name: "p"},
			Store:      crm.NewMemoryStore(),
			Bus:        event.NewBus(),
			Dispatcher: dispatcherFunc(nil),
			Logger:     logging.Discard(),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"metadata", "utils", "network", "data", "events"}, reg.List())

		_, err = reg.Build(L)
		require.NoError(t, err)
	})
}

type dispatcherFunc func(ctx context.Context, fn func(L *lua.LState) error) error

func (f dispatcherFunc) Go(ctx context.Context, fn func(L *lua.LState) error) error {
	return f(ctx, fn)
}

func TestOwner(t *testing.T) {
	assert.Equal(t, "plugin:greeter", Owner("greeter"))
	assert.Equal(t, "plugin.greeter.hello", string(Topic("greeter", "hello")))
}
