package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/crmplugins/internal/plugin/security"
)

// Default time budgets.
const (
	DefaultExecutionTimeout = 10 * time.Second
	DefaultHookTimeout      = 10 * time.Second
)

// ambient globals removed from every sandbox. Anything here would give
// plugin code a path to the host outside the capability table.
var ambient = []string{
	"os",
	"io",
	"debug",
	"package",
	"channel",
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"collectgarbage",
	"module",
	"setfenv",
	"getfenv",
	"newproxy",
	"rawset",
	"_printregs",
}

// Config describes one plugin's sandbox.
type Config struct {
	// Plugin is the plugin name; it keys the module cache arena.
	Plugin string

	// Dir is the plugin install directory that relative requires resolve
	// against.
	Dir string

	Resolver *security.Resolver
	Cache    *ModuleCache

	// Libraries maps shared library names to their loaders. Only names the
	// resolver allows are reachable.
	Libraries map[string]lua.LGFunction

	Logger *slog.Logger

	ExecutionTimeout time.Duration
	HookTimeout      time.Duration
	QueueSize        int
}

// Sandbox is a constrained Lua state for a single plugin load.
type Sandbox struct {
	cfg    Config
	exec   *Executor
	bridge *Bridge

	// Only touched on the executor goroutine.
	loaded  map[string]lua.LValue
	loading map[string]bool
	fault   error
}

// New creates a fresh state with only the safe standard libraries, removes
// the ambient globals, installs the restricted require and routes print to
// the plugin logger.
func New(cfg Config) (*Sandbox, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("sandbox requires a resolver")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewModuleCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)
	L.SetTop(0)

	for _, name := range ambient {
		L.SetGlobal(name, lua.LNil)
	}

	s := &Sandbox{
		cfg:     cfg,
		bridge:  NewBridge(L),
		loaded:  make(map[string]lua.LValue),
		loading: make(map[string]bool),
	}
	L.SetGlobal("require", L.NewFunction(s.require))
	L.SetGlobal("print", L.NewFunction(s.print))
	bindCoroutines(L)

	s.exec = NewExecutor(L, cfg.QueueSize)
	return s, nil
}

// bindCoroutines makes resume and wrap hand the resuming state's context to
// the coroutine. A thread otherwise keeps the context of the job that
// created it, which is cancelled once that job returns.
func bindCoroutines(L *lua.LState) {
	co, ok := L.GetGlobal("coroutine").(*lua.LTable)
	if !ok {
		return
	}
	resume, ok := co.RawGetString("resume").(*lua.LFunction)
	if !ok || resume.GFunction == nil {
		return
	}
	wrap, ok := co.RawGetString("wrap").(*lua.LFunction)
	if !ok || wrap.GFunction == nil {
		return
	}

	co.RawSetString("resume", L.NewFunction(func(L *lua.LState) int {
		if th, ok := L.Get(1).(*lua.LState); ok {
			inheritContext(L, th)
		}
		return resume.GFunction(L)
	}))
	co.RawSetString("wrap", L.NewFunction(func(L *lua.LState) int {
		wrap.GFunction(L)
		aux, ok := L.Get(-1).(*lua.LFunction)
		if !ok || len(aux.Upvalues) == 0 {
			return 1
		}
		th, ok := aux.Upvalues[0].Value().(*lua.LState)
		if !ok {
			return 1
		}
		L.Pop(1)
		// aux reads the thread from upvalue 1 of the running closure.
		L.Push(L.NewClosure(func(L *lua.LState) int {
			inheritContext(L, th)
			return aux.GFunction(L)
		}, th))
		return 1
	}))
}

func inheritContext(L, th *lua.LState) {
	if ctx := L.Context(); ctx != nil {
		th.SetContext(ctx)
	}
}

// Plugin returns the plugin name.
func (s *Sandbox) Plugin() string {
	return s.cfg.Plugin
}

// Logger returns the plugin logger.
func (s *Sandbox) Logger() *slog.Logger {
	return s.cfg.Logger
}

// Bridge returns the converter bound to this state. Use it only inside Do.
func (s *Sandbox) Bridge() *Bridge {
	return s.bridge
}

// Do runs fn on the sandbox goroutine. A ctx without a deadline gets the
// hook timeout.
func (s *Sandbox) Do(ctx context.Context, fn func(L *lua.LState) error) error {
	ctx, cancel := s.withBudget(ctx, s.cfg.HookTimeout)
	defer cancel()
	return s.classify(ctx, s.exec.Do(ctx, s.guarded(fn)), s.cfg.HookTimeout)
}

// Go queues fn on the sandbox goroutine without waiting. Failures are logged.
func (s *Sandbox) Go(ctx context.Context, fn func(L *lua.LState) error) error {
	guarded := s.guarded(fn)
	return s.exec.Go(context.WithoutCancel(ctx), func(L *lua.LState) error {
		hctx, cancel := context.WithTimeout(L.Context(), s.cfg.HookTimeout)
		defer cancel()
		L.SetContext(hctx)
		err := guarded(L)
		if err != nil {
			s.cfg.Logger.Warn("plugin callback failed", "error", s.classify(hctx, err, s.cfg.HookTimeout))
		}
		return err
	})
}

// Run compiles src, executes it once with args as its varargs under the
// execution budget and returns the exported table: the chunk's return
// value when it is a table, otherwise the global exports table.
func (s *Sandbox) Run(ctx context.Context, chunk string, src []byte, args ...lua.LValue) (*lua.LTable, error) {
	proto, err := s.cfg.Cache.Compile(s.cfg.Plugin, chunk, src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	var exports *lua.LTable
	err = s.exec.Do(ctx, s.guarded(func(L *lua.LState) error {
		seeded := L.NewTable()
		L.SetGlobal("exports", seeded)

		results, err := s.bridge.Call(L.NewFunctionFromProto(proto), args...)
		if err != nil {
			return err
		}
		if len(results) > 0 && results[0] != lua.LNil {
			t, ok := results[0].(*lua.LTable)
			if !ok {
				return &RuntimeError{Message: fmt.Sprintf("plugin returned %s, want table", results[0].Type())}
			}
			exports = t
			return nil
		}
		if t, ok := L.GetGlobal("exports").(*lua.LTable); ok {
			exports = t
			return nil
		}
		return &RuntimeError{Message: "plugin did not produce an exports table"}
	}))
	if err != nil {
		return nil, s.classify(ctx, err, s.cfg.ExecutionTimeout)
	}
	return exports, nil
}

// Invoke calls fn on the sandbox goroutine under the hook timeout. Go
// arguments are converted with the bridge; lua.LValue arguments pass
// through. Results are converted back to Go.
func (s *Sandbox) Invoke(ctx context.Context, fn *lua.LFunction, args ...any) ([]any, error) {
	var out []any
	err := s.Do(ctx, func(L *lua.LState) error {
		var err error
		out, err = s.call(fn, args)
		return err
	})
	return out, err
}

func (s *Sandbox) call(fn *lua.LFunction, args []any) ([]any, error) {
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = s.bridge.ToLua(a)
	}
	results, err := s.bridge.Call(fn, largs...)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = s.bridge.ToGo(r)
	}
	return out, nil
}

// Call invokes exports[name] like Invoke. The lookup happens on the sandbox
// goroutine, so it sees the table as the plugin left it.
func (s *Sandbox) Call(ctx context.Context, exports *lua.LTable, name string, args ...any) ([]any, error) {
	var out []any
	err := s.Do(ctx, func(L *lua.LState) error {
		fn, ok := Field(exports, name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoExport, name)
		}
		var err error
		out, err = s.call(fn, args)
		return err
	})
	return out, err
}

// Functions returns the sorted names of the functions in exports.
func (s *Sandbox) Functions(ctx context.Context, exports *lua.LTable) ([]string, error) {
	var names []string
	err := s.Do(ctx, func(*lua.LState) error {
		exports.ForEach(func(k, v lua.LValue) {
			if _, ok := v.(*lua.LFunction); !ok {
				return
			}
			if ks, ok := k.(lua.LString); ok {
				names = append(names, string(ks))
			}
		})
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Close stops the executor and releases the Lua state.
func (s *Sandbox) Close() {
	s.exec.Close()
}

func (s *Sandbox) withBudget(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// guarded wraps fn so that a denied or uncompilable require recorded while
// it ran replaces the generic Lua error the require raised.
func (s *Sandbox) guarded(fn func(L *lua.LState) error) func(L *lua.LState) error {
	return func(L *lua.LState) error {
		s.fault = nil
		err := fn(L)
		fault := s.fault
		s.fault = nil
		if err != nil && fault != nil && strings.Contains(err.Error(), fault.Error()) {
			return fault
		}
		return err
	}
}

// classify maps executor results onto this package's error types.
func (s *Sandbox) classify(ctx context.Context, err error, budget time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, budget)
	}
	if errors.Is(err, ErrExecutorClosed) || errors.Is(err, context.Canceled) {
		return err
	}
	var compileErr *CompileError
	var runtimeErr *RuntimeError
	var denied *security.ResolutionError
	switch {
	case errors.As(err, &compileErr), errors.As(err, &runtimeErr), errors.As(err, &denied):
		return err
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return runtimeError(err)
	}
	return err
}

// require resolves a module reference through the resolver and loads it
// from the module cache. Results are memoised per state.
func (s *Sandbox) require(L *lua.LState) int {
	ref := L.CheckString(1)

	res, err := s.cfg.Resolver.Resolve(ref, s.cfg.Dir)
	if err != nil {
		var denied *security.ResolutionError
		if errors.As(err, &denied) {
			s.fault = denied
		}
		L.RaiseError("%s", err.Error())
		return 0
	}

	key := res.Name
	if res.Path != "" {
		key = res.Path
	}
	if v, ok := s.loaded[key]; ok {
		L.Push(v)
		return 1
	}
	if s.loading[key] {
		L.RaiseError("circular require of %q", ref)
		return 0
	}

	var mod lua.LValue
	switch res.Kind {
	case security.ResolveBuiltin:
		mod = L.GetGlobal(res.Name)
	case security.ResolveShared:
		loader, ok := s.cfg.Libraries[res.Name]
		if !ok {
			L.RaiseError("shared library %q is not available", res.Name)
			return 0
		}
		results, err := s.bridge.Call(L.NewFunction(loader), lua.LString(res.Name))
		if err != nil {
			L.RaiseError("load shared library %q: %s", res.Name, err.Error())
			return 0
		}
		mod = firstOr(results, lua.LTrue)
	default:
		proto, err := s.cfg.Cache.Load(s.cfg.Plugin, res.Path)
		if err != nil {
			s.fault = err
			L.RaiseError("%s", err.Error())
			return 0
		}
		s.loading[key] = true
		results, err := s.bridge.Call(L.NewFunctionFromProto(proto), lua.LString(ref))
		delete(s.loading, key)
		if err != nil {
			L.RaiseError("%s", strings.TrimSpace(runtimeError(err).Error()))
			return 0
		}
		mod = firstOr(results, lua.LTrue)
	}

	s.loaded[key] = mod
	L.Push(mod)
	return 1
}

func firstOr(values []lua.LValue, fallback lua.LValue) lua.LValue {
	if len(values) == 0 || values[0] == lua.LNil {
		return fallback
	}
	return values[0]
}

// print joins its arguments like the stock print and logs them.
func (s *Sandbox) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.cfg.Logger.Info(strings.Join(parts, "\t"), "source", "print")
	return 0
}
