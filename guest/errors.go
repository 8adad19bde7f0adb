package guest

import (
	"fmt"

	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/shim"
)

// EngineInitError indicates the interpreter engine or context could not be
// constructed.
type EngineInitError struct {
	Reason string
	Err    error
}

func (e *EngineInitError) Error() string {
	if e.Err != nil {
		return "engine init: " + e.Reason + ": " + e.Err.Error()
	}
	return "engine init: " + e.Reason
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// ScriptEvaluationError indicates top-level script evaluation failed with a
// parse error or an uncaught exception. The runtime that produced it is
// faulted and must be torn down.
type ScriptEvaluationError struct {
	Message string
	Line    int
	Stack   string
}

func (e *ScriptEvaluationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("script evaluation failed at line %d: %s", e.Line, e.Message)
	}
	return "script evaluation failed: " + e.Message
}

// FunctionNotFoundError indicates an invoke target is not a registered
// global function. The runtime remains ready for other calls.
type FunctionNotFoundError struct {
	Name string
}

func (e *FunctionNotFoundError) Error() string {
	return "function not found: " + e.Name
}

// InvocationError carries an exception thrown by guest script code during
// a call. The thrown value is surfaced as data, distinct from host or
// infrastructure failures; the runtime remains ready unless a trap also
// occurred.
type InvocationError struct {
	Message string
	Stack   string

	// Thrown is the retained exception value. The caller that receives
	// this error owns one release of it while the instance is still live.
	Thrown shim.Value

	// Value is the thrown value decoded to a host-native representation.
	// Populated by the host loader; empty at the guest layer.
	Value any
}

func (e *InvocationError) Error() string {
	return "script threw: " + e.Message
}
