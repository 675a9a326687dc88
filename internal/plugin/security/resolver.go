package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrReferenceDenied is matched by every *ResolutionError.
	ErrReferenceDenied = errors.New("reference not permitted")

	// ErrModuleNotFound is returned for permitted relative references whose
	// file does not exist.
	ErrModuleNotFound = errors.New("module not found")
)

// ResolutionKind says where a resolved module comes from.
type ResolutionKind int

const (
	ResolveBuiltin ResolutionKind = iota
	ResolveShared
	ResolveLocal
	ResolvePrivate
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolveBuiltin:
		return "builtin"
	case ResolveShared:
		return "shared"
	case ResolveLocal:
		return "local"
	case ResolvePrivate:
		return "private"
	default:
		return "unknown"
	}
}

// Resolution is a permitted module reference. Path is set for Local and
// Private modules and is always absolute.
type Resolution struct {
	Kind ResolutionKind
	Name string
	Path string
}

// ResolutionError reports a denied reference.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("reference not permitted: %q: %s", e.Ref, e.Reason)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrReferenceDenied
}

// Builtins are the host primitives every plugin may require.
var Builtins = []string{"string", "table", "math", "coroutine"}

var moduleName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)*$`)

// Resolver confines module references to builtins, an allow-list of shared
// libraries, and the requesting plugin's own directory.
type Resolver struct {
	builtins   map[string]bool
	shared     map[string]bool
	privateDir string
}

// NewResolver creates a resolver. privateDir is the plugin-relative
// directory searched for bare references.
func NewResolver(shared []string, privateDir string) *Resolver {
	r := &Resolver{
		builtins:   make(map[string]bool, len(Builtins)),
		shared:     make(map[string]bool, len(shared)),
		privateDir: privateDir,
	}
	for _, b := range Builtins {
		r.builtins[b] = true
	}
	for _, s := range shared {
		r.shared[s] = true
	}
	return r
}

// IsShared reports whether name is on the shared allow-list.
func (r *Resolver) IsShared(name string) bool {
	return r.shared[name]
}

// Shared returns the sorted shared allow-list.
func (r *Resolver) Shared() []string {
	out := make([]string, 0, len(r.shared))
	for name := range r.shared {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve decides whether ref may be loaded by the plugin installed in
// pluginDir.
func (r *Resolver) Resolve(ref, pluginDir string) (Resolution, error) {
	switch {
	case strings.TrimSpace(ref) == "":
		return Resolution{}, &ResolutionError{Ref: ref, Reason: "empty reference"}
	case r.builtins[ref]:
		return Resolution{Kind: ResolveBuiltin, Name: ref}, nil
	case r.shared[ref]:
		return Resolution{Kind: ResolveShared, Name: ref}, nil
	case isAbsolute(ref):
		return Resolution{}, &ResolutionError{Ref: ref, Reason: "absolute references are not allowed"}
	}

	base, err := filepath.Abs(pluginDir)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve plugin directory: %w", err)
	}

	if isRelative(ref) {
		return r.resolveLocal(ref, base)
	}
	return r.resolvePrivate(ref, base)
}

func (r *Resolver) resolveLocal(ref, base string) (Resolution, error) {
	target := filepath.Join(base, filepath.FromSlash(ref))
	if filepath.Ext(target) == "" {
		if info, err := os.Stat(target); err == nil && info.IsDir() {
			target = filepath.Join(target, "init.lua")
		} else {
			target += ".lua"
		}
	}
	if !within(base, target) {
		return Resolution{}, &ResolutionError{Ref: ref, Reason: "resolves outside the plugin directory"}
	}
	if _, err := os.Stat(target); err != nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrModuleNotFound, ref)
	}
	if !withinReal(base, target) {
		return Resolution{}, &ResolutionError{Ref: ref, Reason: "symlink escapes the plugin directory"}
	}
	return Resolution{Kind: ResolveLocal, Name: ref, Path: target}, nil
}

func (r *Resolver) resolvePrivate(ref, base string) (Resolution, error) {
	if !moduleName.MatchString(ref) {
		return Resolution{}, &ResolutionError{Ref: ref, Reason: "malformed module name"}
	}
	if r.privateDir == "" {
		return Resolution{}, &ResolutionError{Ref: ref, Reason: "not a builtin or shared library"}
	}

	root := filepath.Join(base, r.privateDir)
	rel := filepath.FromSlash(strings.ReplaceAll(ref, ".", "/"))
	for _, candidate := range []string{rel + ".lua", filepath.Join(rel, "init.lua")} {
		target := filepath.Join(root, candidate)
		if !within(root, target) {
			continue
		}
		if info, err := os.Stat(target); err != nil || info.IsDir() {
			continue
		}
		if !withinReal(root, target) {
			return Resolution{}, &ResolutionError{Ref: ref, Reason: "symlink escapes the private module directory"}
		}
		return Resolution{Kind: ResolvePrivate, Name: ref, Path: target}, nil
	}
	return Resolution{}, &ResolutionError{Ref: ref, Reason: "not a builtin, shared library, or private module"}
}

func isRelative(ref string) bool {
	return ref == "." || ref == ".." ||
		strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") ||
		strings.HasPrefix(ref, `.\`) || strings.HasPrefix(ref, `..\`)
}

func isAbsolute(ref string) bool {
	if filepath.IsAbs(ref) || strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, `\`) {
		return true
	}
	return len(ref) >= 2 && ref[1] == ':'
}

// within reports whether target is base or below it, on cleaned paths.
func within(base, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// withinReal repeats the containment check after resolving symlinks.
func withinReal(base, target string) bool {
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return false
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return false
	}
	return within(realBase, realTarget)
}
