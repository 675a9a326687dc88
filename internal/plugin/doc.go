// Package plugin loads CRM extension plugins written in Lua and manages
// their lifecycle.
//
// # Plugin Structure
//
// A plugin is a directory holding a manifest and an entry file:
//
//	plugins/lead-scorer/
//	├── plugin.json      # Manifest (plugin.yaml is also accepted)
//	├── init.lua         # Entry point
//	├── lib/
//	│   └── rules.lua    # require("lib.rules")
//	└── lua_modules/     # Private dependencies
//	    └── semver.lua
//
// The entry file returns a table of exported functions. Two names are
// lifecycle hooks: init(ctx) runs once after loading, cleanup(ctx) once
// before unloading. Both are optional.
//
//	local host
//
//	return {
//	  init = function(ctx)
//	    host = ctx
//	    ctx.utils.log.info("ready", { threshold = ctx.metadata.settings.threshold })
//	  end,
//	  score = function(args)
//	    local lead = host.data.lead.get(args.id)
//	    return { data = { score = lead and 10 or 0 } }
//	  end,
//	}
//
// # Loading
//
// Every load reads the plugin from disk. The entry source is screened for
// forbidden constructs before any Lua state or capability table is built;
// a rejected plugin never runs. The entry then executes in a sandbox whose
// require only reaches the plugin's own files, its private dependency
// directory and the host's shared libraries.
//
// # Capabilities
//
// Plugins reach the host through the ctx table handed to init and cleanup:
//
//   - ctx.metadata: name, version and merged settings (read-only)
//   - ctx.data: per-entity repositories (lead, task, payment, ...)
//   - ctx.network: outbound HTTP held to the host network policy
//   - ctx.events: bus subscriptions, owned by the plugin
//   - ctx.utils: logging, validation, crypto, time, json and text helpers
//
// # Lifecycle
//
// Manager serializes transitions on one plugin name and runs transitions on
// different names concurrently. Unload always removes the plugin, even when
// its cleanup hook fails, and releases its bus subscriptions. Watcher
// drives Reload from file changes.
package plugin
