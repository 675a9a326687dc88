package api

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/crmplugins/internal/event"
	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// EventsModule exposes ctx.events, the plugin's handle on the host bus.
//
// Callbacks never run on the bus goroutine. Each delivery is queued onto
// the plugin's own Lua goroutine through the Dispatcher, so a slow plugin
// only delays itself.
type EventsModule struct {
	plugin     string
	bus        event.Bus
	plugins    Directory
	dispatcher Dispatcher
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]event.Subscription
}

// NewEventsModule creates the events module for plugin. plugins may be nil.
func NewEventsModule(plugin string, bus event.Bus, plugins Directory, dispatcher Dispatcher, logger *slog.Logger) *EventsModule {
	return &EventsModule{
		plugin:     plugin,
		bus:        bus,
		plugins:    plugins,
		dispatcher: dispatcher,
		logger:     logger,
		subs:       make(map[string]event.Subscription),
	}
}

// Name returns the module name.
func (m *EventsModule) Name() string {
	return "events"
}

// Build creates the events table.
func (m *EventsModule) Build(L *lua.LState) (lua.LValue, error) {
	t := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"subscribe":   m.subscribe,
		"unsubscribe": m.unsubscribe,
		"publish":     m.publish,
		"plugins":     m.listPlugins,
		"plugin":      m.getPlugin,
	})
	return plua.NewBridge(L).ReadOnly(t), nil
}

// Active returns the number of live subscriptions made through the module.
func (m *EventsModule) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sub := range m.subs {
		if sub.IsActive() {
			n++
		}
	}
	return n
}

// Close cancels every subscription made through the module.
func (m *EventsModule) Close() int {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]event.Subscription)
	m.mu.Unlock()

	for id := range subs {
		_ = m.bus.Unsubscribe(id)
	}
	return len(subs)
}

// Topic returns the bus topic a plugin publish of topic lands on.
func Topic(plugin, topic string) event.Topic {
	return event.Topic("plugin." + plugin + "." + topic)
}

// subscribe(pattern, fn) -> id
func (m *EventsModule) subscribe(L *lua.LState) int {
	pattern := event.Topic(L.CheckString(1))
	fn := L.CheckFunction(2)

	handler := func(ctx context.Context, ev event.Event) error {
		return m.dispatcher.Go(ctx, func(L *lua.LState) error {
			b := plua.NewBridge(L)
			_, err := b.Call(fn, eventToLua(b, ev))
			return err
		})
	}
	sub, err := m.bus.Subscribe(pattern, handler, event.WithOwner(Owner(m.plugin)))
	if err != nil {
		return fail(L, err)
	}

	m.mu.Lock()
	m.subs[sub.ID()] = sub
	m.mu.Unlock()
	m.logger.Debug("plugin subscribed", "pattern", string(pattern), "subscription", sub.ID())

	L.Push(lua.LString(sub.ID()))
	return 1
}

// unsubscribe(id) -> bool. Only the plugin's own subscriptions can be removed.
func (m *EventsModule) unsubscribe(L *lua.LState) int {
	id := L.CheckString(1)

	m.mu.Lock()
	_, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()

	if ok {
		ok = m.bus.Unsubscribe(id) == nil
	}
	L.Push(lua.LBool(ok))
	return 1
}

// publish(topic, data?) -> true. The event goes out asynchronously on
// plugin.<name>.<topic>.
func (m *EventsModule) publish(L *lua.LState) int {
	topic := strings.Trim(L.CheckString(1), ".")
	if topic == "" || strings.ContainsAny(topic, "*") {
		L.ArgError(1, "topic must be a concrete, non-empty name")
		return 0
	}
	payload := plua.NewBridge(L).ToMap(L.OptTable(2, nil))

	ev := event.New(Topic(m.plugin, topic), Owner(m.plugin), payload)
	if err := m.bus.Publish(luaContext(L), ev); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// plugins() -> {info...}, sorted by name
func (m *EventsModule) listPlugins(L *lua.LState) int {
	b := plua.NewBridge(L)
	out := L.NewTable()
	if m.plugins != nil {
		infos := m.plugins.Infos()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
		for _, info := range infos {
			out.Append(infoToLua(b, info))
		}
	}
	L.Push(out)
	return 1
}

// plugin(name) -> info | nil
func (m *EventsModule) getPlugin(L *lua.LState) int {
	name := L.CheckString(1)
	if m.plugins == nil {
		L.Push(lua.LNil)
		return 1
	}
	info, ok := m.plugins.Info(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(infoToLua(plua.NewBridge(L), info))
	return 1
}

func eventToLua(b *plua.Bridge, ev event.Event) lua.LValue {
	return b.ToLua(map[string]any{
		"id":        ev.ID,
		"topic":     string(ev.Topic),
		"source":    ev.Source,
		"data":      ev.Payload,
		"timestamp": ev.Timestamp,
	})
}

func infoToLua(b *plua.Bridge, info PluginInfo) lua.LValue {
	t := b.ToLua(map[string]any{
		"name":          info.Name,
		"version":       info.Version,
		"display_name":  info.DisplayName,
		"description":   info.Description,
		"author":        info.Author,
		"loaded_at":     info.LoadedAt.UTC().Format(time.RFC3339),
		"digest":        info.Digest,
		"calls":         info.Calls,
		"failures":      info.Failures,
		"subscriptions": info.Subscriptions,
	})
	return b.ReadOnly(t.(*lua.LTable))
}
