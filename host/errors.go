package host

import (
	"fmt"
	"time"
)

// InstantiationError reports a failure to bring up a sandbox instance:
// compiling or instantiating the module, resolving exports, or
// initializing the engine inside it.
type InstantiationError struct {
	Stage string
	Err   error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("host: instantiation failed at %s: %v", e.Stage, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

// SnapshotCorruptError reports a snapshot blob that failed structural
// decoding.
type SnapshotCorruptError struct {
	Err error
}

func (e *SnapshotCorruptError) Error() string {
	return fmt.Sprintf("host: %v", e.Err)
}

func (e *SnapshotCorruptError) Unwrap() error { return e.Err }

// SnapshotMismatchError reports a structurally valid snapshot captured
// from a different module binary or shim ABI than the host is restoring
// into.
type SnapshotMismatchError struct {
	Err error
}

func (e *SnapshotMismatchError) Error() string {
	return fmt.Sprintf("host: %v", e.Err)
}

func (e *SnapshotMismatchError) Unwrap() error { return e.Err }

// BudgetExceededError reports a call that exceeded the instance's
// execution budget. The instance is faulted and cannot serve further
// calls.
type BudgetExceededError struct {
	Function string
	Budget   time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("host: call to %q exceeded budget of %s", e.Function, e.Budget)
}

// TrapError reports that the sandbox trapped during a call (unreachable,
// out-of-bounds access, stack exhaustion). The instance is faulted and
// cannot serve further calls.
type TrapError struct {
	Function string
	Err      error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("host: sandbox trapped in call to %q: %v", e.Function, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// InstanceBusyError reports an attempt to call an instance that already
// has a call in flight. Instances serve one call at a time.
type InstanceBusyError struct {
	InstanceID string
}

func (e *InstanceBusyError) Error() string {
	return fmt.Sprintf("host: instance %s has a call in flight", e.InstanceID)
}

// InstanceClosedError reports an attempt to use an instance after
// Shutdown, or after a fault tore it down.
type InstanceClosedError struct {
	InstanceID string
}

func (e *InstanceClosedError) Error() string {
	return fmt.Sprintf("host: instance %s is closed", e.InstanceID)
}
