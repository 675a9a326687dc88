package plugin

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/crmplugins/internal/plugin/api"
	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// Info is the public view of a loaded plugin.
type Info = api.PluginInfo

// Instance is a loaded plugin's exported surface. Lifecycle hooks are
// optional: an instance whose exports define init implements Initializer,
// one that defines cleanup implements Cleaner. Which of the two apply is
// decided once, when the exports are inspected after the entry file runs.
type Instance interface {
	Name() string
	Descriptor() Descriptor
	Info() Info

	// Functions lists the callable exported function names, sorted. The
	// lifecycle hooks are not callable and never appear.
	Functions() []string
	Has(fn string) bool

	// Call invokes an exported function under the hook timeout. Calling
	// init or cleanup fails with plua.ErrNoExport; only the manager runs
	// them.
	Call(ctx context.Context, fn string, args ...any) ([]any, error)
}

// Initializer is implemented by instances that export init.
type Initializer interface {
	// Init calls init(ctx) with the plugin's capability table.
	Init(ctx context.Context) error
}

// Cleaner is implemented by instances that export cleanup.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Hook names looked up in plugin exports.
const (
	HookInit    = "init"
	HookCleanup = "cleanup"
)

type instance struct {
	desc     Descriptor
	meta     api.Metadata
	entry    string
	digest   uint64
	loadedAt time.Time

	sandbox *plua.Sandbox
	events  *api.EventsModule

	// Only read on the sandbox goroutine.
	exports *lua.LTable
	surface *lua.LTable

	functions []string
	index     map[string]bool

	hasInit, hasCleanup bool

	calls    atomic.Uint64
	failures atomic.Uint64
}

func (i *instance) Name() string           { return i.desc.Name }
func (i *instance) Descriptor() Descriptor { return i.desc }
func (i *instance) Functions() []string    { return append([]string(nil), i.functions...) }
func (i *instance) Has(fn string) bool     { return i.index[fn] }

func (i *instance) Info() Info {
	info := Info{
		Name:        i.meta.Name,
		Version:     i.meta.Version,
		DisplayName: i.meta.DisplayName,
		Description: i.meta.Description,
		Author:      i.meta.Author,
		LoadedAt:    i.loadedAt,
		Digest:      fmt.Sprintf("%016x", i.digest),
		Calls:       i.calls.Load(),
		Failures:    i.failures.Load(),
	}
	if i.events != nil {
		info.Subscriptions = i.events.Active()
	}
	return info
}

func (i *instance) Call(ctx context.Context, fn string, args ...any) ([]any, error) {
	i.calls.Add(1)
	if IsHook(fn) {
		i.failures.Add(1)
		return nil, newError(i.desc.Name, nil, fmt.Errorf("%w: %s is a lifecycle hook", plua.ErrNoExport, fn))
	}
	out, err := i.sandbox.Call(ctx, i.exports, fn, args...)
	if err != nil {
		i.failures.Add(1)
		return nil, newError(i.desc.Name, nil, err)
	}
	return out, nil
}

func (i *instance) hook(ctx context.Context, name string, args ...any) error {
	_, err := i.sandbox.Call(ctx, i.exports, name, args...)
	if err != nil {
		return newError(i.desc.Name, nil, fmt.Errorf("%s hook: %w", name, err))
	}
	return nil
}

// close releases the instance's subscriptions and Lua state.
func (i *instance) close() {
	if i.events != nil {
		i.events.Close()
	}
	i.sandbox.Close()
}

type plainInstance struct{ *instance }

type initInstance struct{ *instance }

func (i initInstance) Init(ctx context.Context) error { return i.hook(ctx, HookInit, i.surface) }

type cleanupInstance struct{ *instance }

func (i cleanupInstance) Cleanup(ctx context.Context) error { return i.hook(ctx, HookCleanup) }

type lifecycleInstance struct{ *instance }

func (i lifecycleInstance) Init(ctx context.Context) error    { return i.hook(ctx, HookInit, i.surface) }
func (i lifecycleInstance) Cleanup(ctx context.Context) error { return i.hook(ctx, HookCleanup) }

// IsHook reports whether fn names a lifecycle hook.
func IsHook(fn string) bool {
	return fn == HookInit || fn == HookCleanup
}

// setFunctions records the exported function names, splitting off the
// hooks.
func (i *instance) setFunctions(fns []string) {
	i.functions = make([]string, 0, len(fns))
	i.index = make(map[string]bool, len(fns))
	for _, fn := range fns {
		switch fn {
		case HookInit:
			i.hasInit = true
		case HookCleanup:
			i.hasCleanup = true
		default:
			i.functions = append(i.functions, fn)
			i.index[fn] = true
		}
	}
}

// wrap picks the variant matching the hooks the exports define.
func wrap(i *instance) Instance {
	switch {
	case i.hasInit && i.hasCleanup:
		return lifecycleInstance{i}
	case i.hasInit:
		return initInstance{i}
	case i.hasCleanup:
		return cleanupInstance{i}
	default:
		return plainInstance{i}
	}
}

// unwrap returns the shared state behind any variant.
func unwrap(inst Instance) *instance {
	switch v := inst.(type) {
	case plainInstance:
		return v.instance
	case initInstance:
		return v.instance
	case cleanupInstance:
		return v.instance
	case lifecycleInstance:
		return v.instance
	}
	return nil
}
