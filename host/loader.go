// Package host loads the QuickJS sandbox module, manages instance
// lifecycle (cold start and snapshot restore), marshals call arguments
// and results across the sandbox boundary, and enforces memory and
// execution budgets.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	quickjswasi "github.com/aperturerobotics/go-quickjs-wasi-sandbox"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/guest"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/shim"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/snapshot"
)

const wasmPageSize = 64 * 1024

// Loader creates and drives sandbox instances. Safe for concurrent use;
// the compilation cache is shared across instances so repeated starts of
// the same module binary skip recompilation.
type Loader struct {
	cfg     *Config
	log     *zap.Logger
	metrics *Metrics
	cache   wazero.CompilationCache
}

// Option configures a Loader.
type Option func(*Loader)

// WithConfig overrides the default configuration.
func WithConfig(cfg *Config) Option {
	return func(l *Loader) { l.cfg = cfg }
}

// WithLogger sets the logger. Defaults to zap.NewNop.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithMetrics sets the metrics collector. Defaults to none.
func WithMetrics(m *Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		cfg:   Default(),
		log:   zap.NewNop(),
		cache: wazero.NewCompilationCache(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Close releases the shared compilation cache. Instances must be shut
// down separately.
func (l *Loader) Close(ctx context.Context) error {
	return l.cache.Close(ctx)
}

// instantiate brings up a wazero runtime and the sandbox module, through
// the reactor's _initialize, and wires the shim and guest runtime. The
// guest is left Fresh.
func (l *Loader) instantiate(ctx context.Context, moduleBinary []byte) (*Instance, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithCompilationCache(l.cache).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(l.cfg.memoryLimitPages())

	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, &InstantiationError{Stage: "wasi", Err: err}
	}

	compiled, err := r.CompileModule(ctx, moduleBinary)
	if err != nil {
		_ = r.Close(ctx)
		return nil, &InstantiationError{Stage: "compile", Err: err}
	}

	id := uuid.New().String()
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(id))
	if err != nil {
		_ = r.Close(ctx)
		return nil, &InstantiationError{Stage: "instantiate", Err: err}
	}

	// Reactor model: run _initialize instead of _start.
	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, &InstantiationError{Stage: "_initialize", Err: err}
		}
	}

	sh, err := shim.New(mod)
	if err != nil {
		_ = r.Close(ctx)
		return nil, &InstantiationError{Stage: "shim", Err: err}
	}

	g, err := guest.NewRuntime(mod, sh)
	if err != nil {
		_ = r.Close(ctx)
		return nil, &InstantiationError{Stage: "exports", Err: err}
	}

	return &Instance{
		id:         id,
		runtime:    r,
		mod:        mod,
		sh:         sh,
		guest:      g,
		moduleHash: snapshot.HashModule(moduleBinary),
		callBudget: l.cfg.CallBudget,
		jobBudget:  l.cfg.JobBudget,
	}, nil
}

// StartCold instantiates the sandbox module fresh, initializes the engine
// and, when a script is given, loads it so the instance comes up Ready.
// With a nil script the instance is left Initialized and LoadScript
// completes it.
func (l *Loader) StartCold(ctx context.Context, moduleBinary []byte, script *guest.ScriptUnit) (*Instance, error) {
	started := time.Now()

	inst, err := l.instantiate(ctx, moduleBinary)
	if err != nil {
		l.observeStart("cold", "error", started)
		return nil, err
	}
	inst.origin = ColdStart

	if err := inst.guest.Initialize(ctx, l.cfg.EngineMemoryLimit); err != nil {
		inst.close(ctx)
		l.observeStart("cold", "error", started)
		return nil, &InstantiationError{Stage: "engine", Err: err}
	}

	if script != nil {
		if err := inst.guest.Load(ctx, *script); err != nil {
			inst.close(ctx)
			l.observeStart("cold", "error", started)
			return nil, err
		}
	}

	inst.observeMemory()
	l.observeStart("cold", "ok", started)
	if l.metrics != nil {
		l.metrics.InstancesActive.Inc()
	}
	l.log.Info("instance started",
		zap.String("instance", inst.id),
		zap.String("origin", "cold"),
		zap.Duration("took", time.Since(started)))
	return inst, nil
}

// LoadScript loads a script into an Initialized instance started without
// one, bringing it Ready.
func (l *Loader) LoadScript(ctx context.Context, inst *Instance, script guest.ScriptUnit) error {
	if inst.Closed() {
		return &InstanceClosedError{InstanceID: inst.id}
	}
	if !inst.mu.TryLock() {
		return &InstanceBusyError{InstanceID: inst.id}
	}
	defer inst.mu.Unlock()
	if err := inst.guest.Load(ctx, script); err != nil {
		// Load failures fault the engine; the instance cannot recover.
		if inst.guest.State() == guest.StateFaulted {
			inst.close(ctx)
			if l.metrics != nil {
				l.metrics.InstancesActive.Dec()
			}
		}
		return err
	}
	inst.observeMemory()
	return nil
}

// StartFromSnapshot instantiates the sandbox module fresh and restores a
// previously captured memory image into it, skipping engine construction
// and script evaluation. The snapshot must have been captured from the
// same module binary and shim ABI; any divergence rejects the restore.
// Fails closed: a rejected or failed restore leaves no live instance.
func (l *Loader) StartFromSnapshot(ctx context.Context, moduleBinary []byte, blob []byte) (*Instance, error) {
	started := time.Now()

	header, memory, err := snapshot.Decode(blob)
	if err != nil {
		l.observeStart("snapshot", "error", started)
		return nil, &SnapshotCorruptError{Err: err}
	}
	if err := header.Validate(moduleBinary, quickjswasi.ShimABIVersion); err != nil {
		l.observeStart("snapshot", "error", started)
		if errors.Is(err, snapshot.ErrCorrupt) {
			return nil, &SnapshotCorruptError{Err: err}
		}
		return nil, &SnapshotMismatchError{Err: err}
	}
	if header.MemorySize > l.cfg.MemoryLimit {
		l.observeStart("snapshot", "error", started)
		return nil, &SnapshotMismatchError{
			Err: fmt.Errorf("snapshot memory image (%d bytes) exceeds instance memory limit (%d bytes)",
				header.MemorySize, l.cfg.MemoryLimit),
		}
	}

	inst, err := l.instantiate(ctx, moduleBinary)
	if err != nil {
		l.observeStart("snapshot", "error", started)
		return nil, err
	}
	inst.origin = SnapshotRestore

	if err := l.restoreMemory(inst, memory); err != nil {
		inst.close(ctx)
		l.observeStart("snapshot", "error", started)
		return nil, &InstantiationError{Stage: "restore", Err: err}
	}

	if err := inst.guest.AdoptRestored(header.RuntimePtr, header.ContextPtr); err != nil {
		inst.close(ctx)
		l.observeStart("snapshot", "error", started)
		return nil, &InstantiationError{Stage: "adopt", Err: err}
	}

	inst.observeMemory()
	l.observeStart("snapshot", "ok", started)
	if l.metrics != nil {
		l.metrics.InstancesActive.Inc()
	}
	l.log.Info("instance started",
		zap.String("instance", inst.id),
		zap.String("origin", "snapshot"),
		zap.Duration("took", time.Since(started)))
	return inst, nil
}

// restoreMemory grows the module's linear memory to cover the snapshot
// image and writes it back, byte for byte.
func (l *Loader) restoreMemory(inst *Instance, memory []byte) error {
	mem := inst.mod.Memory()
	target := uint64(len(memory))
	current := uint64(mem.Size())
	if target > current {
		delta := (target - current + wasmPageSize - 1) / wasmPageSize
		if _, ok := mem.Grow(uint32(delta)); !ok {
			return fmt.Errorf("grow memory to %d bytes", target)
		}
	}
	if len(memory) > 0 && !mem.Write(0, memory) {
		return errors.New("write memory image")
	}
	return nil
}

// CaptureSnapshot freezes a Ready instance's full linear memory into a
// snapshot blob restorable by StartFromSnapshot. The instance stays
// usable; capture and calls are mutually exclusive.
func (l *Loader) CaptureSnapshot(ctx context.Context, inst *Instance) ([]byte, error) {
	if inst.Closed() {
		return nil, &InstanceClosedError{InstanceID: inst.id}
	}
	if !inst.mu.TryLock() {
		return nil, &InstanceBusyError{InstanceID: inst.id}
	}
	defer inst.mu.Unlock()

	if state := inst.guest.State(); state != guest.StateReady {
		return nil, fmt.Errorf("host: snapshot requires a ready instance, state is %s", state)
	}

	mem := inst.mod.Memory()
	image, ok := mem.Read(0, mem.Size())
	if !ok {
		return nil, errors.New("host: read linear memory for snapshot")
	}

	blob, err := snapshot.Encode(snapshot.Header{
		ABIVersion: quickjswasi.ShimABIVersion,
		ModuleHash: inst.moduleHash,
		RuntimePtr: inst.guest.RuntimePtr(),
		ContextPtr: inst.guest.ContextPtr(),
	}, image)
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.SnapshotBytes.Observe(float64(len(blob)))
	}
	l.log.Info("snapshot captured",
		zap.String("instance", inst.id),
		zap.Int("blob_bytes", len(blob)),
		zap.Uint64("memory_bytes", uint64(len(image))))
	return blob, nil
}

// Call invokes a named global function in the instance's loaded script.
// Arguments and the result cross the boundary by value; every engine
// value created for the call is released before Call returns, so no
// engine references outlive it. One call runs at a time per instance;
// a concurrent Call fails with InstanceBusyError rather than queueing.
//
// A trap or a blown budget faults and closes the instance: its engine
// state is no longer trustworthy and it cannot serve further calls.
func (l *Loader) Call(ctx context.Context, inst *Instance, function string, args ...any) (any, error) {
	if inst.Closed() {
		return nil, &InstanceClosedError{InstanceID: inst.id}
	}
	if !inst.mu.TryLock() {
		return nil, &InstanceBusyError{InstanceID: inst.id}
	}
	defer inst.mu.Unlock()

	if state := inst.guest.State(); state != guest.StateReady {
		return nil, fmt.Errorf("host: instance %s cannot serve calls, state is %s", inst.id, state)
	}

	started := time.Now()
	cctx, cancel := context.WithTimeout(ctx, inst.callBudget)
	defer cancel()

	out, err := l.call(cctx, inst, function, args)

	status := "ok"
	if err != nil {
		status = callStatus(err)
	}
	if l.metrics != nil {
		l.metrics.CallsTotal.WithLabelValues(status).Inc()
		l.metrics.CallDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
	}

	if inst.guest.State() == guest.StateFaulted {
		if l.metrics != nil {
			l.metrics.FaultsTotal.WithLabelValues(status).Inc()
			l.metrics.InstancesActive.Dec()
		}
		l.log.Warn("instance faulted",
			zap.String("instance", inst.id),
			zap.String("function", function),
			zap.String("kind", status),
			zap.Error(err))
		inst.close(ctx)
	} else {
		inst.observeMemory()
	}
	return out, err
}

// call runs the invocation with the budget context already in place.
// Engine values created here are tracked and released on every path
// except a fault, where engine memory can no longer be touched.
func (l *Loader) call(ctx context.Context, inst *Instance, function string, args []any) (any, error) {
	sh := inst.sh
	g := inst.guest

	var owned []shim.Value
	defer func() {
		if g.State() == guest.StateFaulted {
			return
		}
		for _, v := range owned {
			_ = sh.Release(context.WithoutCancel(ctx), v)
		}
	}()

	engArgs := make([]shim.Value, 0, len(args))
	for _, a := range args {
		v, err := toEngine(ctx, sh, a)
		if err != nil {
			if ctxErr := budgetError(ctx, inst, function, err); ctxErr != nil {
				g.Fault()
				return nil, ctxErr
			}
			return nil, err
		}
		owned = append(owned, v)
		engArgs = append(engArgs, v)
	}

	res, err := g.Invoke(ctx, function, engArgs)
	if err != nil {
		var notFound *guest.FunctionNotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		var thrown *guest.InvocationError
		if errors.As(err, &thrown) {
			owned = append(owned, thrown.Thrown)
			if decoded, derr := fromEngine(ctx, g, thrown.Thrown); derr == nil {
				thrown.Value = decoded
			}
			return nil, err
		}
		if ctxErr := budgetError(ctx, inst, function, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TrapError{Function: function, Err: err}
	}
	owned = append(owned, res)

	out, err := fromEngine(ctx, g, res)
	if err != nil {
		var thrown *guest.InvocationError
		if errors.As(err, &thrown) {
			owned = append(owned, thrown.Thrown)
		}
		if ctxErr := budgetError(ctx, inst, function, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return out, nil
}

// DrainJobs runs the instance's pending engine jobs (promise reactions),
// bounded by the configured job budget. Draining is never implicit;
// callers invoke it between calls when the script schedules async work.
func (l *Loader) DrainJobs(ctx context.Context, inst *Instance) (int, error) {
	if inst.Closed() {
		return 0, &InstanceClosedError{InstanceID: inst.id}
	}
	if !inst.mu.TryLock() {
		return 0, &InstanceBusyError{InstanceID: inst.id}
	}
	defer inst.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, inst.callBudget)
	defer cancel()

	n, err := inst.guest.DrainJobs(cctx, inst.jobBudget)
	if err != nil {
		var thrown *guest.InvocationError
		if errors.As(err, &thrown) {
			if decoded, derr := fromEngine(cctx, inst.guest, thrown.Thrown); derr == nil {
				thrown.Value = decoded
			}
			_ = inst.sh.Release(context.WithoutCancel(cctx), thrown.Thrown)
			return n, err
		}
		mapped := error(&TrapError{Function: "<jobs>", Err: err})
		if ctxErr := budgetError(cctx, inst, "<jobs>", err); ctxErr != nil {
			mapped = ctxErr
		}
		inst.close(ctx)
		if l.metrics != nil {
			l.metrics.FaultsTotal.WithLabelValues(callStatus(mapped)).Inc()
			l.metrics.InstancesActive.Dec()
		}
		return n, mapped
	}
	return n, nil
}

// Shutdown tears down an instance and reclaims its resources. Idempotent;
// waits for an in-flight call to finish.
func (l *Loader) Shutdown(ctx context.Context, inst *Instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed.Load() {
		return nil
	}
	inst.close(ctx)
	if l.metrics != nil {
		l.metrics.InstancesActive.Dec()
	}
	l.log.Info("instance shut down",
		zap.String("instance", inst.id),
		zap.Uint64("memory_high_water", inst.MemoryHighWater()))
	return nil
}

func (l *Loader) observeStart(origin, status string, started time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.StartsTotal.WithLabelValues(origin, status).Inc()
	if status == "ok" {
		l.metrics.StartDuration.WithLabelValues(origin).Observe(time.Since(started).Seconds())
	}
}

// budgetError maps a budget-abort failure to BudgetExceededError, or
// returns nil when err is unrelated to the deadline. With
// CloseOnContextDone the module is force-closed when the context
// expires, surfacing as a context error or an ExitError.
func budgetError(ctx context.Context, inst *Instance, function string, err error) error {
	var exitErr *sys.ExitError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.As(err, &exitErr)) {
		return &BudgetExceededError{Function: function, Budget: inst.callBudget}
	}
	return nil
}

// callStatus labels an error for metrics.
func callStatus(err error) string {
	switch {
	case errors.As(err, new(*BudgetExceededError)):
		return "budget_exceeded"
	case errors.As(err, new(*TrapError)):
		return "trap"
	case errors.As(err, new(*guest.FunctionNotFoundError)):
		return "function_not_found"
	case errors.As(err, new(*guest.InvocationError)):
		return "exception"
	default:
		return "error"
	}
}
