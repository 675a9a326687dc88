// Package security holds the checks that stand between plugin code and the
// host.
//
// Validate scans plugin source with an ordered list of textual rules before
// anything runs. It is a heuristic layer: an obfuscated call can slip past
// it, so the interpreter sandbox in package lua remains the real boundary.
//
// Resolver answers whether a module reference may be loaded. Builtins and
// the shared allow-list resolve by name; relative references must stay
// inside the plugin directory; bare references are looked up in the
// plugin's private module directory. Everything else is denied.
//
// NetworkPolicy restricts outbound requests made through the network
// capability.
package security
