package hook

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/crmplugins/internal/plugin"
)

// Namespace is the action prefix that addresses plugins directly.
const Namespace = "plugin"

// Plugins looks up loaded plugins.
type Plugins interface {
	Get(name string) (plugin.Instance, bool)
}

type binding struct {
	plugin   string
	function string
}

// Router dispatches actions to plugin functions.
type Router struct {
	plugins Plugins

	mu       sync.RWMutex
	bindings map[string]binding
}

// NewRouter creates a router over plugins.
func NewRouter(plugins Plugins) *Router {
	return &Router{
		plugins:  plugins,
		bindings: make(map[string]binding),
	}
}

// Bind routes action to fn in the named plugin. An empty fn means the last
// dotted segment of the action name.
func (r *Router) Bind(action, pluginName, fn string) {
	if fn == "" {
		fn = action[strings.LastIndex(action, ".")+1:]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings[action] = binding{plugin: pluginName, function: fn}
}

// Unbind removes the binding for action.
func (r *Router) Unbind(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bindings, action)
}

// UnbindPlugin removes every binding that targets pluginName.
func (r *Router) UnbindPlugin(pluginName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for action, b := range r.bindings {
		if b.plugin == pluginName {
			delete(r.bindings, action)
			n++
		}
	}
	return n
}

// Actions returns the bound action names, sorted.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions := make([]string, 0, len(r.bindings))
	for action := range r.bindings {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// PluginActions returns the actions bound to pluginName, sorted.
func (r *Router) PluginActions(pluginName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var actions []string
	for action, b := range r.bindings {
		if b.plugin == pluginName {
			actions = append(actions, action)
		}
	}
	sort.Strings(actions)
	return actions
}

// CanHandle reports whether action resolves to a loaded plugin function.
func (r *Router) CanHandle(action string) bool {
	b, err := r.route(action)
	if err != nil {
		return false
	}
	inst, ok := r.plugins.Get(b.plugin)
	return ok && inst.Has(b.function)
}

// Dispatch calls the function action resolves to. The plugin receives one
// table argument: the action args plus "action", the action name.
func (r *Router) Dispatch(ctx context.Context, action Action) Result {
	b, err := r.route(action.Name)
	if err != nil {
		return Result{Err: err}
	}

	inst, ok := r.plugins.Get(b.plugin)
	if !ok {
		return errorf("plugin %q is not loaded", b.plugin)
	}
	if !inst.Has(b.function) {
		return errorf("plugin %q has no function %q", b.plugin, b.function)
	}

	args := make(map[string]any, len(action.Args)+1)
	for k, v := range action.Args {
		args[k] = v
	}
	args["action"] = action.Name

	results, err := inst.Call(ctx, b.function, args)
	if err != nil {
		return Result{Plugin: b.plugin, Function: b.function, Err: err}
	}
	res := fold(results)
	res.Plugin, res.Function = b.plugin, b.function
	return res
}

// route finds the target of action: an explicit binding first, then the
// plugin namespace. Lifecycle hooks are never a target.
func (r *Router) route(action string) (binding, error) {
	r.mu.RLock()
	b, ok := r.bindings[action]
	r.mu.RUnlock()
	if !ok {
		var err error
		if b, err = parseAction(action); err != nil {
			return binding{}, err
		}
	}
	if plugin.IsHook(b.function) {
		return binding{}, fmt.Errorf("action %q targets lifecycle hook %q", action, b.function)
	}
	return b, nil
}

// parseAction splits plugin.<name>.<function>. Further dots in the
// function part become underscores, so plugin.crm.lead.score calls
// lead_score.
func parseAction(action string) (binding, error) {
	rest, ok := strings.CutPrefix(action, Namespace+".")
	if !ok {
		return binding{}, fmt.Errorf("no plugin handler for action %q", action)
	}
	name, fn, ok := strings.Cut(rest, ".")
	switch {
	case !ok:
		return binding{}, fmt.Errorf("action %q is missing a function name", action)
	case name == "":
		return binding{}, fmt.Errorf("action %q has an empty plugin name", action)
	case fn == "":
		return binding{}, fmt.Errorf("action %q has an empty function name", action)
	}
	return binding{plugin: name, function: strings.ReplaceAll(fn, ".", "_")}, nil
}
