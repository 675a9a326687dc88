// Package event provides the host event bus shared by the CRM and its plugins.
//
// Topics use dot notation:
//
//	host.plugin.loaded
//	plugin.invoice-reminder.sent
//	crm.contact.created
//
// Subscriptions may use two wildcards. "*" matches exactly one segment and
// "**" matches zero or more segments:
//
//	crm.*.created   matches crm.contact.created
//	plugin.**       matches every plugin-published topic
//
// PublishSync runs handlers in the caller's goroutine. Publish hands each
// matching handler to a bounded worker pool and returns immediately.
//
// Subscriptions may carry an owner. The plugin manager tags every
// subscription a plugin makes with the plugin's name and removes them all
// with UnsubscribeOwner when the plugin is unloaded.
package event
