// Package host assembles the plugin runtime: configuration, logging,
// storage, the event bus, the plugin manager and its registry sources.
//
// A Host is created with New, brought up with Start and torn down with
// Shutdown. Plugin load failures during Start are logged and do not stop
// the host; one broken plugin never takes the others down.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dshills/crmplugins/internal/config"
	"github.com/dshills/crmplugins/internal/crm"
	"github.com/dshills/crmplugins/internal/crm/sqlite"
	"github.com/dshills/crmplugins/internal/event"
	"github.com/dshills/crmplugins/internal/logging"
	"github.com/dshills/crmplugins/internal/plugin"
	"github.com/dshills/crmplugins/internal/plugin/api"
	"github.com/dshills/crmplugins/internal/plugin/hook"
	"github.com/dshills/crmplugins/internal/plugin/registry"
	"github.com/dshills/crmplugins/internal/plugin/security"
)

// Host lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("host already started")
	ErrNotStarted     = errors.New("host not started")
)

const checkTimeout = 2 * time.Second

// Host owns every long-lived component of the plugin runtime.
type Host struct {
	cfg     config.Config
	logger  *slog.Logger
	store   crm.Store
	bus     event.Bus
	metrics *prometheus.Registry
	manager *plugin.Manager
	source  registry.Source
	router  *hook.Router
	health  healthcheck.Handler

	mu      sync.Mutex
	watcher *plugin.Watcher
	started bool
	stopped bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger replaces the logger built from the log configuration.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

// WithStore replaces the store built from the storage configuration. The
// host closes it on Shutdown.
func WithStore(s crm.Store) Option {
	return func(h *Host) {
		h.store = s
	}
}

// New builds a host from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Host{cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: logging.Format(cfg.Log.Format),
		})
	}
	if h.store == nil {
		store, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		h.store = store
	}

	h.bus = event.NewBus(
		event.WithLogger(h.logger.With("subsystem", "bus")),
		event.WithHandlerTimeout(cfg.Plugins.HookTimeout.Std()),
	)

	h.metrics = prometheus.NewRegistry()
	h.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h.manager = plugin.NewManager(
		plugin.WithLogger(h.logger.With("subsystem", "plugin")),
		plugin.WithStore(h.store),
		plugin.WithBus(h.bus),
		plugin.WithSharedLibraries(cfg.Plugins.SharedLibraries...),
		plugin.WithPrivateDir(cfg.Plugins.PrivateDir),
		plugin.WithExecutionTimeout(cfg.Plugins.ExecutionTimeout.Std()),
		plugin.WithHookTimeout(cfg.Plugins.HookTimeout.Std()),
		plugin.WithNetwork(api.NetworkOptions{
			Policy: security.NetworkPolicy{
				AllowedHosts: cfg.Network.AllowedHosts,
				BlockedHosts: cfg.Network.BlockedHosts,
			},
			Timeout:          cfg.Network.Timeout.Std(),
			MaxResponseBytes: cfg.Network.MaxResponseBytes,
			UserAgent:        cfg.Network.UserAgent,
		}),
		plugin.WithRegisterer(h.metrics),
	)

	h.source = Source(cfg.Plugins, h.logger)

	h.router = hook.NewRouter(h.manager)
	for action, target := range cfg.Actions {
		name, fn, _ := strings.Cut(target, ".")
		h.router.Bind(action, name, fn)
	}

	h.health = healthcheck.NewHandler()
	h.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	h.health.AddReadinessCheck("bus", h.checkBus)
	h.health.AddReadinessCheck("store", healthcheck.Timeout(h.checkStore, checkTimeout))
	return h, nil
}

// Source builds the descriptor source for cfg: the registry file when one
// is configured, ahead of a scan of the plugin directory.
func Source(cfg config.Plugins, logger *slog.Logger) registry.Source {
	var sources registry.Merged
	if cfg.Registry != "" {
		sources = append(sources, registry.NewFileSource(cfg.Registry))
	}
	if cfg.Dir != "" {
		sources = append(sources, registry.NewDirSource(logger, cfg.Dir))
	}
	return sources
}

func openStore(cfg config.Storage) (crm.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return store, nil
	default:
		return crm.NewMemoryStore(), nil
	}
}

// Start starts the bus and loads every registered plugin. Individual
// plugin failures are logged; only infrastructure failures are returned.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}
	if err := h.bus.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}

	descs, err := h.source.List(ctx)
	if err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}

	if err := h.manager.LoadAll(ctx, descs); err != nil {
		for _, e := range unjoin(err) {
			h.logger.Warn("plugin not loaded", "plugin", pluginName(e), "error", e)
		}
	}
	h.logger.Info("plugin host started", "registered", len(descs), "loaded", len(h.manager.List()))

	if h.cfg.Plugins.Watch {
		w, err := plugin.NewWatcher(h.manager,
			plugin.WithDebounce(h.cfg.Plugins.WatchDebounce.Std()),
			plugin.WithWatcherLogger(h.logger.With("subsystem", "watcher")),
		)
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		for _, d := range descs {
			if err := w.Watch(d); err != nil {
				h.logger.Warn("plugin not watched", "plugin", d.Name, "error", err)
			}
		}
		h.watcher = w
	}

	h.started = true
	return nil
}

// Shutdown unloads every plugin in reverse load order, then stops the bus
// and closes the store. It is safe to call more than once.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true

	var errs []error
	if h.watcher != nil {
		errs = append(errs, h.watcher.Close())
	}
	errs = append(errs, h.manager.Close(ctx))
	if h.bus.IsRunning() {
		errs = append(errs, h.bus.Stop(ctx))
	}
	errs = append(errs, h.store.Close())

	err := errors.Join(errs...)
	if err != nil {
		h.logger.Error("plugin host shutdown", "error", err)
	} else {
		h.logger.Info("plugin host stopped")
	}
	return err
}

// Reload reloads the named plugin from its registry descriptor, so edits
// to the registry entry take effect too.
func (h *Host) Reload(ctx context.Context, name string) (plugin.Instance, error) {
	h.mu.Lock()
	started := h.started && !h.stopped
	h.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	d, err := h.source.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return h.manager.Reload(ctx, d)
}

// Dispatch routes a CRM action to the plugin function bound to it.
func (h *Host) Dispatch(ctx context.Context, action hook.Action) hook.Result {
	return h.router.Dispatch(ctx, action)
}

// Manager returns the plugin manager.
func (h *Host) Manager() *plugin.Manager { return h.manager }

// Router returns the action router.
func (h *Host) Router() *hook.Router { return h.router }

// Registry returns the descriptor source.
func (h *Host) Registry() registry.Source { return h.source }

// Bus returns the host event bus.
func (h *Host) Bus() event.Bus { return h.bus }

// Logger returns the host logger.
func (h *Host) Logger() *slog.Logger { return h.logger }

// Gatherer exposes the host's metrics.
func (h *Host) Gatherer() prometheus.Gatherer { return h.metrics }

// Health serves /live and /ready.
func (h *Host) Health() http.Handler { return h.health }

func (h *Host) checkBus() error {
	if !h.bus.IsRunning() {
		return event.ErrBusNotRunning
	}
	return nil
}

func (h *Host) checkStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	return h.store.Ping(ctx)
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func pluginName(err error) string {
	var perr *plugin.Error
	if errors.As(err, &perr) {
		return perr.Plugin
	}
	return ""
}
