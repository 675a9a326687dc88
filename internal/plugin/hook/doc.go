// Package hook routes host actions to functions exported by loaded plugins.
//
// Two routes exist. Actions in the plugin namespace name their target
// directly:
//
//	plugin.<name>.<function>
//
// Other actions, such as "lead.score", are bound to a plugin function with
// Router.Bind. A plugin's return values are folded into a Result the same
// way for both routes.
package hook
