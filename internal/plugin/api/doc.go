// Package api builds the capability table handed to plugin code.
//
// A plugin never sees host globals. Everything it can reach is assembled
// here into a single table and passed to its entry chunk as the first
// vararg and to its init hook as the only argument:
//
//	local ctx = ...
//	ctx.utils.log.info("loaded", { plugin = ctx.metadata.name })
//	local lead = ctx.data.lead.create({ email = "a@example.com" })
//	ctx.events.publish("lead.created", { id = lead.id })
//
// The table is made of modules, each contributing one field:
//
//   - metadata: read-only name, version and settings of the plugin
//   - data: repository accessors for the CRM entities
//   - utils: logging, validation, crypto, time, json and text helpers
//   - network: outbound HTTP constrained by a host policy
//   - events: subscribe, unsubscribe and publish on the host bus
//
// Modules are built on the goroutine that owns the Lua state. Functions
// that block take their deadline from the state's context, so the plugin's
// execution budget also bounds storage and network calls.
package api
