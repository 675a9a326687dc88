package plugin

import (
	"context"
	"errors"
	"fmt"

	plua "github.com/dshills/crmplugins/internal/plugin/lua"
	"github.com/dshills/crmplugins/internal/plugin/security"
)

// Error kinds. Every error the manager returns is an *Error whose Is
// matches exactly one of these.
var (
	// ErrValidation is a disallowed pattern found in plugin source.
	ErrValidation = errors.New("validation failure")

	// ErrResolutionDenied is a module reference outside the sandbox boundary.
	ErrResolutionDenied = errors.New("resolution denied")

	// ErrManifest is a missing or malformed manifest.
	ErrManifest = errors.New("manifest error")

	// ErrCompile is an entry or module file that fails to parse.
	ErrCompile = errors.New("compile error")

	// ErrRuntime is an uncaught error in plugin code or a lifecycle hook.
	ErrRuntime = errors.New("runtime error")

	// ErrTimeout is an exceeded execution budget.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is a descriptor that references missing files, or a
	// call on a plugin that is not loaded.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDescriptor is a descriptor that fails Validate.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrAlreadyLoaded is a Load of a name that is already registered.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrInterrupted is a transition whose context ended while it waited
	// for another transition on the same name. The plugin was not touched.
	ErrInterrupted = errors.New("transition interrupted")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("plugin manager is closed")
)

// Error tags a failure with the plugin it belongs to.
type Error struct {
	Plugin string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("plugin %q: %v", e.Plugin, e.Kind)
	}
	return fmt.Sprintf("plugin %q: %v: %v", e.Plugin, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// newError wraps err for plugin, choosing its kind from the error chain
// unless kind is given.
func newError(plugin string, kind, err error) error {
	var existing *Error
	if errors.As(err, &existing) && existing.Plugin == plugin {
		return err
	}
	if kind == nil {
		kind = classify(err)
	}
	return &Error{Plugin: plugin, Kind: kind, Err: err}
}

// classify maps lower layer errors onto the taxonomy.
func classify(err error) error {
	var (
		compileErr *plua.CompileError
		runtimeErr *plua.RuntimeError
	)
	switch {
	case errors.Is(err, security.ErrDisallowedPattern):
		return ErrValidation
	case errors.Is(err, security.ErrReferenceDenied):
		return ErrResolutionDenied
	case plua.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &compileErr):
		return ErrCompile
	case errors.As(err, &runtimeErr):
		return ErrRuntime
	case errors.Is(err, security.ErrModuleNotFound):
		return ErrNotFound
	default:
		return ErrRuntime
	}
}

// KindOf returns the kind of a manager error, or nil.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
