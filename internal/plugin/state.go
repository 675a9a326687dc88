package plugin

// State is the lifecycle state of a plugin name.
type State int

// Plugin states. Only Unloaded and Loaded are resting states; the others
// are held while a transition runs under the name's lock.
const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateUnloading
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// IsTransition reports whether s is held only during load or unload.
func (s State) IsTransition() bool {
	return s == StateLoading || s == StateUnloading
}
