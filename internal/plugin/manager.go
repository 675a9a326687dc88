package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/crmplugins/internal/crm"
	"github.com/dshills/crmplugins/internal/event"
	"github.com/dshills/crmplugins/internal/logging"
	"github.com/dshills/crmplugins/internal/plugin/api"
	plua "github.com/dshills/crmplugins/internal/plugin/lua"
	"github.com/dshills/crmplugins/internal/plugin/security"
)

// Lifecycle topics published on the host bus.
const (
	TopicLoaded   event.Topic = "host.plugin.loaded"
	TopicUnloaded event.Topic = "host.plugin.unloaded"
	TopicReloaded event.Topic = "host.plugin.reloaded"
	TopicFailed   event.Topic = "host.plugin.failed"
)

const tracerName = "github.com/dshills/crmplugins/internal/plugin"

// Manager owns the registry of loaded plugins. Transitions on one name are
// serialized; transitions on different names run concurrently.
type Manager struct {
	logger           *slog.Logger
	store            crm.Store
	bus              event.Bus
	shared           []string
	libraries        map[string]lua.LGFunction
	privateDir       string
	executionTimeout time.Duration
	hookTimeout      time.Duration
	network          api.NetworkOptions
	extraModules     []func(api.Metadata) []api.Module
	registerer       prometheus.Registerer
	tracerProvider   trace.TracerProvider
	parallelism      int
	queueSize        int

	resolver *security.Resolver
	cache    *plua.ModuleCache
	metrics  *Metrics
	tracer   trace.Tracer

	// One single-slot channel per name. Holding the slot is holding the
	// name; waiting on it honours ctx.
	locks cmap.ConcurrentMap[string, chan struct{}]

	mu        sync.RWMutex
	instances map[string]Instance
	order     []string
	states    map[string]State
	closed    bool
}

// NewManager creates a manager.
func NewManager(opts ...Option) *Manager {
	m := defaultManager()
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tracerProvider == nil {
		m.tracerProvider = otel.GetTracerProvider()
	}
	if m.parallelism <= 0 {
		m.parallelism = DefaultParallelism
	}

	m.resolver = security.NewResolver(m.shared, m.privateDir)
	m.cache = plua.NewModuleCache()
	m.metrics = NewMetrics(m.registerer)
	m.tracer = m.tracerProvider.Tracer(tracerName)
	m.locks = cmap.New[chan struct{}]()
	m.instances = make(map[string]Instance)
	m.states = make(map[string]State)
	return m
}

// Resolver returns the resolver plugins are loaded with.
func (m *Manager) Resolver() *security.Resolver {
	return m.resolver
}

// Cache returns the module arena shared by all plugin loads.
func (m *Manager) Cache() *plua.ModuleCache {
	return m.cache
}

// Load loads d and registers the instance under d.Name.
func (m *Manager) Load(ctx context.Context, d Descriptor) (Instance, error) {
	if err := d.Validate(); err != nil {
		return nil, newError(d.Name, ErrInvalidDescriptor, err)
	}
	unlock, err := m.lock(ctx, d.Name)
	if err != nil {
		return nil, newError(d.Name, ErrInterrupted, err)
	}
	defer unlock()

	return m.load(ctx, d)
}

// Unload runs the instance's cleanup hook and removes it. Unloading a name
// that is not loaded succeeds. A failing cleanup hook is returned, but the
// instance is removed regardless.
func (m *Manager) Unload(ctx context.Context, name string) error {
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return newError(name, ErrInterrupted, err)
	}
	defer unlock()

	return m.unload(ctx, name)
}

// Reload unloads d.Name and loads d again. The old instance's cleanup has
// finished before the new instance runs. If the load fails the plugin
// stays unloaded.
func (m *Manager) Reload(ctx context.Context, d Descriptor) (Instance, error) {
	if err := d.Validate(); err != nil {
		return nil, newError(d.Name, ErrInvalidDescriptor, err)
	}
	unlock, err := m.lock(ctx, d.Name)
	if err != nil {
		return nil, newError(d.Name, ErrInterrupted, err)
	}
	defer unlock()

	ctx, span := m.tracer.Start(ctx, "plugin.reload", trace.WithAttributes(attribute.String("plugin.name", d.Name)))
	defer span.End()

	if err := m.unload(ctx, d.Name); err != nil {
		m.logger.Warn("cleanup failed during reload", "plugin", d.Name, "error", err)
	}

	inst, err := m.load(ctx, d)
	m.metrics.Reloads.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	m.publish(ctx, TopicReloaded, d.Name, map[string]any{"digest": inst.Info().Digest})
	return inst, nil
}

// LoadAll loads every descriptor, running up to the configured parallelism
// at once. Every load is attempted; the failures are joined.
func (m *Manager) LoadAll(ctx context.Context, descs []Descriptor) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.parallelism)
	for _, d := range descs {
		g.Go(func() error {
			if _, err := m.Load(ctx, d); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// UnloadAll unloads every plugin in reverse load order.
func (m *Manager) UnloadAll(ctx context.Context) error {
	names := m.List()
	slices.Reverse(names)

	var errs []error
	for _, name := range names {
		if err := m.Unload(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close refuses further loads and unloads everything.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	return m.UnloadAll(ctx)
}

// Get returns the instance registered under name.
func (m *Manager) Get(name string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[name]
	return inst, ok
}

// Call invokes fn on the plugin registered under name.
func (m *Manager) Call(ctx context.Context, name, fn string, args ...any) ([]any, error) {
	inst, ok := m.Get(name)
	if !ok {
		return nil, newError(name, ErrNotFound, errors.New("plugin is not loaded"))
	}
	return inst.Call(ctx, fn, args...)
}

// List returns loaded plugin names in load order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.order...)
}

// State returns the lifecycle state of name.
func (m *Manager) State(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.states[name]
}

// Infos returns the info of every loaded plugin, sorted by name.
func (m *Manager) Infos() []api.PluginInfo {
	m.mu.RLock()
	insts := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	infos := make([]api.PluginInfo, len(insts))
	for i, inst := range insts {
		infos[i] = inst.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Info returns the info of one loaded plugin.
func (m *Manager) Info(name string) (api.PluginInfo, bool) {
	inst, ok := m.Get(name)
	if !ok {
		return api.PluginInfo{}, false
	}
	return inst.Info(), true
}

// ValidatePluginCode screens a plugin without loading it. path is either a
// plugin directory, whose manifest is checked and whose entry file is
// screened, or a single entry file. The entry is validated and compiled
// but never run.
func (m *Manager) ValidatePluginCode(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return newError(filepath.Base(path), ErrNotFound, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return newError(filepath.Base(abs), ErrNotFound, err)
	}

	name, entry, dir := filepath.Base(filepath.Dir(abs)), abs, filepath.Dir(abs)
	if !info.IsDir() {
		// A lone entry file belongs to the plugin in its directory.
		if manifest, err := LoadManifestFromDir(dir); err == nil && manifest.Name != "" {
			name = manifest.Name
		}
	} else {
		name = filepath.Base(abs)
		dir = abs
		manifest, err := LoadManifestFromDir(dir)
		if err != nil {
			return newError(name, ErrManifest, err)
		}
		if manifest.Name != "" {
			name = manifest.Name
		}
		if err := manifest.CheckLibraries(m.resolver.IsShared); err != nil {
			return newError(name, ErrManifest, err)
		}
		entry, err = Descriptor{Name: name, Path: dir}.entryPath(manifest)
		if err != nil {
			return newError(name, ErrNotFound, err)
		}
	}

	src, err := os.ReadFile(entry)
	if err != nil {
		return newError(name, ErrNotFound, err)
	}
	if err := security.Validate(string(src)); err != nil {
		return newError(name, ErrValidation, err)
	}
	if _, err := plua.Compile(chunkName(dir, entry), src); err != nil {
		return newError(name, ErrCompile, err)
	}
	return nil
}

func (m *Manager) lock(ctx context.Context, name string) (func(), error) {
	m.locks.SetIfAbsent(name, make(chan struct{}, 1))
	slot, _ := m.locks.Get(name)

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load runs with the name's lock held.
func (m *Manager) load(ctx context.Context, d Descriptor) (Instance, error) {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return nil, newError(d.Name, ErrClosed, nil)
	case m.instances[d.Name] != nil:
		m.mu.Unlock()
		return nil, newError(d.Name, ErrAlreadyLoaded, nil)
	}
	m.states[d.Name] = StateLoading
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "plugin.load", trace.WithAttributes(attribute.String("plugin.name", d.Name)))
	defer span.End()

	start := time.Now()
	inst, err := m.build(ctx, d)
	m.metrics.LoadDuration.Observe(time.Since(start).Seconds())
	m.metrics.Loads.WithLabelValues(resultLabel(err)).Inc()

	if err != nil {
		m.setState(d.Name, StateUnloaded)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("plugin load failed", "plugin", d.Name, "error", err)
		m.publish(ctx, TopicFailed, d.Name, map[string]any{"error": err.Error(), "kind": resultLabel(err)})
		return nil, err
	}

	m.mu.Lock()
	m.instances[d.Name] = inst
	m.order = append(m.order, d.Name)
	m.states[d.Name] = StateLoaded
	m.mu.Unlock()
	m.metrics.Active.Inc()

	info := inst.Info()
	span.SetAttributes(attribute.String("plugin.digest", info.Digest))
	m.logger.Info("plugin loaded", "plugin", d.Name, "version", info.Version, "functions", len(inst.Functions()), "elapsed", time.Since(start))
	m.publish(ctx, TopicLoaded, d.Name, map[string]any{"version": info.Version, "digest": info.Digest})
	return inst, nil
}

// build resolves, screens, and runs the plugin. Nothing is constructed
// for the plugin until its entry source has passed validation.
func (m *Manager) build(ctx context.Context, d Descriptor) (Instance, error) {
	dir, err := filepath.Abs(d.Path)
	if err != nil {
		return nil, newError(d.Name, ErrNotFound, err)
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, newError(d.Name, ErrNotFound, err)
	} else if !info.IsDir() {
		return nil, newError(d.Name, ErrNotFound, fmt.Errorf("%s is not a directory", dir))
	}
	d.Path = dir

	var entry string
	if d.Main != "" {
		if entry, err = d.entryPath(nil); err != nil {
			return nil, newError(d.Name, ErrNotFound, err)
		}
	}

	m.cache.Invalidate(d.Name)

	manifest, err := LoadManifestFromDir(dir)
	if err != nil {
		return nil, newError(d.Name, ErrManifest, err)
	}
	if err := manifest.CheckLibraries(m.resolver.IsShared); err != nil {
		return nil, newError(d.Name, ErrManifest, err)
	}
	if entry == "" {
		if entry, err = d.entryPath(manifest); err != nil {
			return nil, newError(d.Name, ErrNotFound, err)
		}
	}

	src, err := os.ReadFile(entry)
	if err != nil {
		return nil, newError(d.Name, ErrNotFound, err)
	}
	if err := security.Validate(string(src)); err != nil {
		return nil, newError(d.Name, ErrValidation, err)
	}

	meta := d.metadata(manifest)
	sb, err := plua.New(plua.Config{
		Plugin:           d.Name,
		Dir:              dir,
		Resolver:         m.resolver,
		Cache:            m.cache,
		Libraries:        m.libraries,
		Logger:           logging.ForPlugin(m.logger, d.Name),
		ExecutionTimeout: m.executionTimeout,
		HookTimeout:      m.hookTimeout,
		QueueSize:        m.queueSize,
	})
	if err != nil {
		return nil, newError(d.Name, ErrRuntime, err)
	}

	inst := &instance{
		desc:   d,
		meta:   meta,
		entry:  entry,
		digest: plua.Digest(src),

		sandbox: sb,
	}
	fail := func(err error) (Instance, error) {
		inst.close()
		m.cache.Invalidate(d.Name)
		if m.bus != nil {
			m.bus.UnsubscribeOwner(api.Owner(d.Name))
		}
		return nil, newError(d.Name, nil, err)
	}

	reg, err := m.modules(meta, sb)
	if err != nil {
		return fail(err)
	}
	if mod, ok := reg.Get("events"); ok {
		inst.events, _ = mod.(*api.EventsModule)
	}

	if err := sb.Do(ctx, func(L *lua.LState) error {
		surface, err := reg.Build(L)
		inst.surface = surface
		return err
	}); err != nil {
		return fail(err)
	}

	exports, err := sb.Run(ctx, chunkName(dir, entry), src, inst.surface)
	if err != nil {
		return fail(err)
	}
	inst.exports = exports

	fns, err := sb.Functions(ctx, exports)
	if err != nil {
		return fail(err)
	}
	inst.setFunctions(fns)
	inst.loadedAt = time.Now()

	wrapped := wrap(inst)
	if hook, ok := wrapped.(Initializer); ok {
		if err := hook.Init(ctx); err != nil {
			return fail(err)
		}
	}
	return wrapped, nil
}

// modules assembles the capability modules for one load.
func (m *Manager) modules(meta api.Metadata, sb *plua.Sandbox) (*api.Registry, error) {
	c := &api.Context{
		Metadata: meta,
		Store:    m.store,
		Bus:      m.bus,
		Plugins:  m,
		Network:  m.network,
		Logger:   sb.Logger(),
	}
	if m.bus != nil {
		c.Dispatcher = sb
	}

	reg, err := api.Standard(c)
	if err != nil {
		return nil, err
	}
	for _, extra := range m.extraModules {
		for _, mod := range extra(meta) {
			if err := reg.Register(mod); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// unload runs with the name's lock held.
func (m *Manager) unload(ctx context.Context, name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "plugin.unload", trace.WithAttributes(attribute.String("plugin.name", name)))
	defer span.End()

	m.setState(name, StateUnloading)

	var hookErr error
	if c, ok := inst.(Cleaner); ok {
		if err := c.Cleanup(ctx); err != nil {
			hookErr = err
			span.RecordError(err)
			m.logger.Warn("plugin cleanup failed", "plugin", name, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.instances, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	m.states[name] = StateUnloaded
	m.mu.Unlock()

	unwrap(inst).close()
	m.cache.Invalidate(name)
	if m.bus != nil {
		m.bus.UnsubscribeOwner(api.Owner(name))
	}

	m.metrics.Active.Dec()
	m.metrics.Unloads.WithLabelValues(resultLabel(hookErr)).Inc()
	m.logger.Info("plugin unloaded", "plugin", name)
	m.publish(ctx, TopicUnloaded, name, nil)
	return hookErr
}

func (m *Manager) setState(name string, s State) {
	m.mu.Lock()
	m.states[name] = s
	m.mu.Unlock()
}

// publish announces a lifecycle transition. A stopped bus is not an error.
func (m *Manager) publish(ctx context.Context, topic event.Topic, name string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["plugin"] = name
	err := m.bus.Publish(context.WithoutCancel(ctx), event.New(topic, "host", payload))
	if err != nil && !errors.Is(err, event.ErrBusNotRunning) {
		m.logger.Debug("lifecycle event not published", "topic", topic, "plugin", name, "error", err)
	}
}

// chunkName is the entry's slash-separated path inside the plugin
// directory, as it appears in Lua error messages.
func chunkName(dir, entry string) string {
	if rel, err := filepath.Rel(dir, entry); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(entry)
}
