package lua

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrQueueFull is returned by Go when the executor queue has no room.
	ErrQueueFull = errors.New("lua executor queue full")

	// ErrTimeout is returned when plugin code exceeds its time budget.
	ErrTimeout = errors.New("lua execution budget exceeded")

	// ErrNoExport is returned by Call for a name that is not an exported
	// function.
	ErrNoExport = errors.New("no such exported function")
)

// CompileError reports a chunk that failed to parse or compile.
type CompileError struct {
	Chunk string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Chunk, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// RuntimeError reports an error raised while plugin code was running.
type RuntimeError struct {
	Message   string
	Traceback string
}

func (e *RuntimeError) Error() string {
	return e.Message
}

// runtimeError converts a gopher-lua error into a *RuntimeError.
func runtimeError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		msg := "lua error"
		if apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		return &RuntimeError{
			Message:   strings.TrimSpace(msg),
			Traceback: apiErr.StackTrace,
		}
	}
	return &RuntimeError{Message: err.Error()}
}
