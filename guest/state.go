package guest

// State is the lifecycle state of a guest runtime.
type State int32

const (
	// StateFresh is the initial state: module instantiated, no engine yet.
	StateFresh State = iota
	// StateInitialized means the engine and context exist but no script
	// has been loaded.
	StateInitialized
	// StateReady means a script is loaded and functions are callable.
	StateReady
	// StateFaulted means the engine hit an unrecoverable error (failed
	// load, trap, budget abort). A faulted runtime is never reused.
	StateFaulted
	// StateTornDown is terminal: engine and context released.
	StateTornDown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateInitialized:
		return "initialized"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// ScriptUnit is source text plus an optional name for error messages.
// Immutable once submitted.
type ScriptUnit struct {
	// Name appears in parse/runtime error locations. Defaults to "<script>".
	Name string
	// Source is the script text, evaluated as global code.
	Source string
}
