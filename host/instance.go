package host

import (
	"context"
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/guest"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/shim"
)

// Instance is one live sandbox: a dedicated wazero runtime, the
// instantiated module, and the guest runtime driving the engine inside
// it. Instances serve one call at a time and are never reused after a
// fault.
type Instance struct {
	id     string
	origin Strategy

	runtime wazero.Runtime
	mod     api.Module
	sh      *shim.Shim
	guest   *guest.Runtime

	moduleHash [sha256.Size]byte

	callBudget time.Duration
	jobBudget  int

	// mu serializes calls; TryLock failure means a call is in flight.
	mu     sync.Mutex
	closed atomic.Bool

	// memHighWater tracks the largest observed linear memory size, in
	// bytes. Written under mu.
	memHighWater atomic.Uint64
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Origin returns how the instance was started.
func (i *Instance) Origin() Strategy { return i.origin }

// State returns the guest runtime lifecycle state.
func (i *Instance) State() guest.State { return i.guest.State() }

// Closed reports whether the instance has been shut down or faulted.
func (i *Instance) Closed() bool { return i.closed.Load() }

// MemoryHighWater returns the largest linear memory size observed across
// calls, in bytes.
func (i *Instance) MemoryHighWater() uint64 { return i.memHighWater.Load() }

// observeMemory updates the high-water mark from the module's current
// memory size. Called with mu held.
func (i *Instance) observeMemory() {
	size := uint64(i.mod.Memory().Size())
	if size > i.memHighWater.Load() {
		i.memHighWater.Store(size)
	}
}

// close tears down the guest and the wazero runtime. Idempotent.
func (i *Instance) close(ctx context.Context) {
	if !i.closed.CompareAndSwap(false, true) {
		return
	}
	// On a faulted instance the module may already be closed and engine
	// memory cannot be trusted; skip the in-sandbox teardown and let the
	// runtime close reclaim everything.
	if i.guest.State() != guest.StateFaulted {
		_ = i.guest.Teardown(ctx)
	}
	_ = i.runtime.Close(ctx)
}
