package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/crmplugins/internal/crm"
	"github.com/dshills/crmplugins/internal/event"
	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// ErrDuplicateModule is returned when two modules share a name.
var ErrDuplicateModule = errors.New("module already registered")

// Module contributes one field of the capability table.
type Module interface {
	// Name is the field name under which the module appears.
	Name() string

	// Build creates the module value inside L. It runs on the goroutine
	// that owns L.
	Build(L *lua.LState) (lua.LValue, error)
}

// Registry holds the modules for one plugin load.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module.
func (r *Registry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[mod.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, mod.Name())
	}
	r.modules[mod.Name()] = mod
	r.order = append(r.order, mod.Name())
	return nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	return mod, ok
}

// List returns module names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Build assembles the capability table. The returned table is read-only;
// its module values are whatever each module built.
func (r *Registry) Build(L *lua.LState) (*lua.LTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	surface := L.NewTable()
	for _, name := range r.order {
		v, err := r.modules[name].Build(L)
		if err != nil {
			return nil, fmt.Errorf("build module %q: %w", name, err)
		}
		surface.RawSetString(name, v)
	}
	return plua.NewBridge(L).ReadOnly(surface), nil
}

// Metadata describes the plugin a surface is built for.
type Metadata struct {
	Name        string
	Version     string
	DisplayName string
	Description string
	Author      string
	Settings    map[string]any
}

// PluginInfo is the public view of a loaded plugin, including statistics.
type PluginInfo struct {
	Name          string
	Version       string
	DisplayName   string
	Description   string
	Author        string
	LoadedAt      time.Time
	Digest        string
	Calls         uint64
	Failures      uint64
	Subscriptions int
}

// Directory lists loaded plugins.
type Directory interface {
	Infos() []PluginInfo
	Info(name string) (PluginInfo, bool)
}

// Dispatcher queues work onto the goroutine that owns a plugin's Lua state.
type Dispatcher interface {
	Go(ctx context.Context, fn func(L *lua.LState) error) error
}

// Context carries the host handles a plugin's modules are built from.
type Context struct {
	Metadata   Metadata
	Store      crm.Store
	Bus        event.Bus
	Plugins    Directory
	Dispatcher Dispatcher
	Network    NetworkOptions
	Logger     *slog.Logger
}

// Standard registers the stock modules for c. The data module is skipped
// without a store and the events module without a bus and dispatcher.
func Standard(c *Context) (*Registry, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mods := []Module{
		NewMetadataModule(c.Metadata),
		NewUtilsModule(logger),
		NewNetworkModule(c.Metadata.Name, c.Network),
	}
	if c.Store != nil {
		mods = append(mods, NewDataModule(c.Store))
	}
	if c.Bus != nil && c.Dispatcher != nil {
		mods = append(mods, NewEventsModule(c.Metadata.Name, c.Bus, c.Plugins, c.Dispatcher, logger))
	}

	r := NewRegistry()
	for _, mod := range mods {
		if err := r.Register(mod); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Owner is the bus owner tag used for everything a plugin subscribes.
func Owner(plugin string) string {
	return "plugin:" + plugin
}

// luaContext returns the context installed on L, or Background.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// fail pushes the nil, message pair plugin functions return on error.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}
