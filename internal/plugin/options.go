package plugin

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/crmplugins/internal/crm"
	"github.com/dshills/crmplugins/internal/event"
	"github.com/dshills/crmplugins/internal/plugin/api"
	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// Defaults for a Manager.
const (
	DefaultPrivateDir  = "lua_modules"
	DefaultParallelism = 4
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the host logger. Plugin output goes to a child of it.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithStore backs ctx.data with store.
func WithStore(s crm.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithBus connects plugins and lifecycle events to bus.
func WithBus(b event.Bus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// WithSharedLibraries sets the allow-list of shared libraries plugins may
// require. Names without a loader in WithLibraries resolve but fail to load.
func WithSharedLibraries(names ...string) Option {
	return func(m *Manager) {
		m.shared = names
	}
}

// WithLibraries adds shared library loaders.
func WithLibraries(libs map[string]lua.LGFunction) Option {
	return func(m *Manager) {
		for name, fn := range libs {
			m.libraries[name] = fn
		}
	}
}

// WithPrivateDir sets the per-plugin dependency directory.
func WithPrivateDir(dir string) Option {
	return func(m *Manager) {
		m.privateDir = dir
	}
}

// WithExecutionTimeout bounds top-level execution of an entry file.
func WithExecutionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.executionTimeout = d
	}
}

// WithHookTimeout bounds init, cleanup, event callbacks and exported calls.
func WithHookTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.hookTimeout = d
	}
}

// WithNetwork configures ctx.network.
func WithNetwork(opts api.NetworkOptions) Option {
	return func(m *Manager) {
		m.network = opts
	}
}

// WithModules adds capability modules to every plugin's table. build runs
// once per load, after validation has passed.
func WithModules(build func(meta api.Metadata) []api.Module) Option {
	return func(m *Manager) {
		m.extraModules = append(m.extraModules, build)
	}
}

// WithRegisterer registers lifecycle metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = reg
	}
}

// WithTracerProvider sets where lifecycle spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracerProvider = tp
	}
}

// WithParallelism bounds concurrent loads in LoadAll.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		m.parallelism = n
	}
}

// WithQueueSize sets the per-plugin queue of pending callbacks.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		m.queueSize = n
	}
}

func defaultManager() *Manager {
	return &Manager{
		logger:           slog.Default(),
		shared:           []string{"json"},
		libraries:        api.Libraries(),
		privateDir:       DefaultPrivateDir,
		executionTimeout: plua.DefaultExecutionTimeout,
		hookTimeout:      plua.DefaultHookTimeout,
		parallelism:      DefaultParallelism,
	}
}
