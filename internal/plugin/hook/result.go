package hook

import (
	"errors"
	"fmt"
)

// ErrPluginFailure is reported when a plugin signals failure without a
// message.
var ErrPluginFailure = errors.New("plugin returned failure")

// Action is a request routed to a plugin.
type Action struct {
	Name string
	Args map[string]any
}

// Result is the outcome of an action.
type Result struct {
	Plugin   string
	Function string
	Message  string
	Data     any
	Err      error
}

// OK reports whether the action succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

func errorf(format string, args ...any) Result {
	return Result{Err: fmt.Errorf(format, args...)}
}

// fold converts plugin return values to a Result. The first value may be:
//   - nil or nothing: success
//   - bool: false is failure, with an optional message as second value
//   - string: a non-empty string is an error message
//   - table: {error, status, message, data}
//
// Anything else is success with the value as Data.
func fold(results []any) Result {
	if len(results) == 0 || results[0] == nil {
		return Result{}
	}

	switch v := results[0].(type) {
	case bool:
		if v {
			return Result{}
		}
		if len(results) > 1 {
			if msg, ok := results[1].(string); ok && msg != "" {
				return Result{Err: errors.New(msg)}
			}
		}
		return Result{Err: ErrPluginFailure}

	case string:
		if v != "" {
			return Result{Err: errors.New(v)}
		}
		return Result{}

	case map[string]any:
		return foldTable(v)

	default:
		return Result{Data: v}
	}
}

func foldTable(tbl map[string]any) Result {
	if msg, ok := tbl["error"].(string); ok && msg != "" {
		return Result{Err: errors.New(msg)}
	}

	msg, _ := tbl["message"].(string)
	switch status := tbl["status"].(type) {
	case bool:
		if !status {
			return failure(msg)
		}
	case string:
		if status == "error" || status == "failed" {
			return failure(msg)
		}
	}

	res := Result{Message: msg, Data: tbl["data"]}
	if _, ok := tbl["data"]; !ok && tbl["message"] == nil && tbl["status"] == nil {
		res.Data = tbl
	}
	return res
}

func failure(msg string) Result {
	if msg == "" {
		return Result{Err: ErrPluginFailure}
	}
	return Result{Err: errors.New(msg)}
}
