// Package lua runs plugin code inside a constrained gopher-lua state.
//
// A Sandbox owns exactly one lua.LState. The state is opened with the
// base, table, string, math and coroutine libraries only; the ambient
// globals that reach the host (os, io, debug, package, load and friends)
// are removed before any plugin code runs. require is replaced by a
// resolver-backed loader that only admits builtins, allow-listed shared
// libraries and files inside the plugin's own directory.
//
// All access to the state goes through an Executor, which serialises jobs
// onto one goroutine and installs each job's context on the state so that
// a deadline stops a runaway script at its next instruction:
//
//	sb, err := lua.New(lua.Config{
//	    Plugin:   "greeter",
//	    Dir:      dir,
//	    Resolver: security.NewResolver([]string{"json"}, "lua_modules"),
//	})
//	if err != nil {
//	    return err
//	}
//	defer sb.Close()
//
//	exports, err := sb.Run(ctx, "main.lua", src, capabilities)
//
// Compiled chunks are kept in a ModuleCache, one arena per plugin, keyed by
// path and content digest. Invalidate drops an arena on unload or reload.
package lua
