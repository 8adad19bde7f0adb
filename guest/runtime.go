// Package guest drives one interpreter engine inside one instantiated
// sandbox module: engine/context lifecycle, script loading, and function
// invocation, built on the value shim.
package guest

import (
	"context"
	"errors"

	quickjswasi "github.com/aperturerobotics/go-quickjs-wasi-sandbox"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/shim"
	"github.com/tetratelabs/wazero/api"
)

// Runtime owns one JSRuntime and one JSContext inside an instantiated
// sandbox module. All operations are synchronous and single-threaded; the
// embedded interpreter is not reentrant, so callers serialize access.
type Runtime struct {
	mod api.Module
	sh  *shim.Shim

	// Core runtime
	jsNewRuntime     api.Function
	jsFreeRuntime    api.Function
	jsNewContext     api.Function
	jsFreeContext    api.Function
	jsSetMemoryLimit api.Function

	// Evaluation and invocation
	jsEval api.Function
	jsCall api.Function

	// Jobs
	jsExecutePendingJob api.Function
	jsIsJobPending      api.Function

	// Standard library (optional exports)
	jsStdInitHandlers api.Function
	jsStdFreeHandlers api.Function
	jsStdAddHelpers   api.Function

	// Engine state
	rtPtr  uint32 // JSRuntime*
	ctxPtr uint32 // JSContext*
	state  State
}

// NewRuntime wraps an instantiated sandbox module, resolving and
// validating the engine exports. The runtime starts Fresh; call
// Initialize (or AdoptRestored for a snapshot) before use.
func NewRuntime(mod api.Module, sh *shim.Shim) (*Runtime, error) {
	r := &Runtime{
		mod: mod,
		sh:  sh,

		jsNewRuntime:     mod.ExportedFunction(quickjswasi.ExportJSNewRuntime),
		jsFreeRuntime:    mod.ExportedFunction(quickjswasi.ExportJSFreeRuntime),
		jsNewContext:     mod.ExportedFunction(quickjswasi.ExportJSNewContext),
		jsFreeContext:    mod.ExportedFunction(quickjswasi.ExportJSFreeContext),
		jsSetMemoryLimit: mod.ExportedFunction(quickjswasi.ExportJSSetMemoryLimit),

		jsEval: mod.ExportedFunction(quickjswasi.ExportJSEval),
		jsCall: mod.ExportedFunction(quickjswasi.ExportJSCall),

		jsExecutePendingJob: mod.ExportedFunction(quickjswasi.ExportJSExecutePendingJob),
		jsIsJobPending:      mod.ExportedFunction(quickjswasi.ExportJSIsJobPending),

		jsStdInitHandlers: mod.ExportedFunction(quickjswasi.ExportJSStdInitHandlers),
		jsStdFreeHandlers: mod.ExportedFunction(quickjswasi.ExportJSStdFreeHandlers),
		jsStdAddHelpers:   mod.ExportedFunction(quickjswasi.ExportJSStdAddHelpers),
	}

	if r.jsNewRuntime == nil {
		return nil, errors.New("missing export: " + quickjswasi.ExportJSNewRuntime)
	}
	if r.jsFreeRuntime == nil {
		return nil, errors.New("missing export: " + quickjswasi.ExportJSFreeRuntime)
	}
	if r.jsNewContext == nil {
		return nil, errors.New("missing export: " + quickjswasi.ExportJSNewContext)
	}
	if r.jsFreeContext == nil {
		return nil, errors.New("missing export: " + quickjswasi.ExportJSFreeContext)
	}
	if r.jsEval == nil {
		return nil, errors.New("missing export: " + quickjswasi.ExportJSEval)
	}
	if r.jsCall == nil {
		return nil, errors.New("missing export: " + quickjswasi.ExportJSCall)
	}

	return r, nil
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	return r.state
}

// Shim returns the value shim bound to this runtime's context.
func (r *Runtime) Shim() *shim.Shim {
	return r.sh
}

// RuntimePtr returns the JSRuntime pointer inside the sandbox, for
// snapshot headers. Zero before Initialize.
func (r *Runtime) RuntimePtr() uint32 { return r.rtPtr }

// ContextPtr returns the JSContext pointer inside the sandbox, for
// snapshot headers. Zero before Initialize.
func (r *Runtime) ContextPtr() uint32 { return r.ctxPtr }

// Fault marks the runtime as faulted. Used by the host when the sandbox
// traps or a budget abort closes the module mid-call: engine state
// (including reference counts) can no longer be trusted.
func (r *Runtime) Fault() {
	if r.state != StateTornDown {
		r.state = StateFaulted
	}
}

// Initialize constructs the engine and context. memoryLimit, when
// nonzero, additionally caps the engine's own allocator below the WASM
// linear memory cap. Transitions Fresh to Initialized.
func (r *Runtime) Initialize(ctx context.Context, memoryLimit uint64) error {
	if r.state != StateFresh {
		return &EngineInitError{Reason: "initialize from state " + r.state.String()}
	}

	rtResults, err := r.jsNewRuntime.Call(ctx)
	if err != nil {
		return &EngineInitError{Reason: "JS_NewRuntime failed", Err: err}
	}
	r.rtPtr = api.DecodeU32(rtResults[0])
	if r.rtPtr == 0 {
		return &EngineInitError{Reason: "JS_NewRuntime returned null"}
	}

	if memoryLimit > 0 && r.jsSetMemoryLimit != nil {
		if _, err := r.jsSetMemoryLimit.Call(ctx, uint64(r.rtPtr), memoryLimit); err != nil {
			r.jsFreeRuntime.Call(ctx, uint64(r.rtPtr))
			r.rtPtr = 0
			return &EngineInitError{Reason: "JS_SetMemoryLimit failed", Err: err}
		}
	}

	if r.jsStdInitHandlers != nil {
		if _, err := r.jsStdInitHandlers.Call(ctx, uint64(r.rtPtr)); err != nil {
			r.jsFreeRuntime.Call(ctx, uint64(r.rtPtr))
			r.rtPtr = 0
			return &EngineInitError{Reason: "js_std_init_handlers failed", Err: err}
		}
	}

	ctxResults, err := r.jsNewContext.Call(ctx, uint64(r.rtPtr))
	if err != nil {
		r.freeRuntime(ctx)
		return &EngineInitError{Reason: "JS_NewContext failed", Err: err}
	}
	r.ctxPtr = api.DecodeU32(ctxResults[0])
	if r.ctxPtr == 0 {
		r.freeRuntime(ctx)
		return &EngineInitError{Reason: "JS_NewContext returned null"}
	}

	r.sh.Bind(r.ctxPtr)

	// console.log, print, etc.
	if r.jsStdAddHelpers != nil {
		r.jsStdAddHelpers.Call(ctx, uint64(r.ctxPtr), 0, 0)
	}

	r.state = StateInitialized
	return nil
}

// AdoptRestored attaches the runtime to engine pointers recorded in a
// snapshot whose memory image has already been written back into this
// module's linear memory. Transitions Fresh to Ready.
func (r *Runtime) AdoptRestored(rtPtr, ctxPtr uint32) error {
	if r.state != StateFresh {
		return &EngineInitError{Reason: "adopt from state " + r.state.String()}
	}
	if rtPtr == 0 || ctxPtr == 0 {
		return &EngineInitError{Reason: "snapshot recorded null engine pointers"}
	}
	r.rtPtr = rtPtr
	r.ctxPtr = ctxPtr
	r.sh.Bind(ctxPtr)
	r.state = StateReady
	return nil
}

// Load parses and evaluates top-level script code, registering its global
// functions for Invoke. A parse error or an uncaught exception during
// evaluation faults the runtime: no partially loaded Ready state is
// exposed. Transitions Initialized to Ready.
func (r *Runtime) Load(ctx context.Context, script ScriptUnit) error {
	if r.state != StateInitialized {
		return &EngineInitError{Reason: "load from state " + r.state.String()}
	}

	name := script.Name
	if name == "" {
		name = "<script>"
	}

	codePtr, err := r.sh.AllocString(ctx, script.Source)
	if err != nil {
		r.state = StateFaulted
		return err
	}
	namePtr, err := r.sh.AllocString(ctx, name)
	if err != nil {
		r.sh.Free(ctx, codePtr)
		r.state = StateFaulted
		return err
	}

	results, err := r.jsEval.Call(ctx,
		uint64(r.ctxPtr),
		uint64(codePtr),
		uint64(len(script.Source)),
		uint64(namePtr),
		uint64(quickjswasi.JSEvalTypeGlobal))

	r.sh.Free(ctx, codePtr)
	r.sh.Free(ctx, namePtr)

	if err != nil {
		r.state = StateFaulted
		return err
	}

	val := shim.Value(results[0])
	if val.IsException() {
		r.state = StateFaulted
		msg, line, stack := r.takeException(ctx)
		return &ScriptEvaluationError{Message: msg, Line: line, Stack: stack}
	}

	// Discard the completion value of the top-level script.
	if err := r.sh.Release(ctx, val); err != nil {
		r.state = StateFaulted
		return err
	}

	r.state = StateReady
	return nil
}

// Invoke calls a previously registered global function by name. The
// arguments are borrowed: the caller retains ownership and release
// obligations for them. On success the returned value is retained and the
// caller owns one release. A thrown exception is returned as an
// *InvocationError carrying the retained exception value. Requires Ready.
func (r *Runtime) Invoke(ctx context.Context, name string, args []shim.Value) (shim.Value, error) {
	if r.state != StateReady {
		return shim.Undefined, errors.New("invoke requires a loaded script, state is " + r.state.String())
	}

	global, err := r.sh.GetGlobalObject(ctx)
	if err != nil {
		r.state = StateFaulted
		return shim.Undefined, err
	}
	defer r.sh.Release(ctx, global)

	fn, err := r.sh.GetPropertyStr(ctx, global, name)
	if err != nil {
		r.state = StateFaulted
		return shim.Undefined, err
	}
	// A throwing getter on the global surfaces as an exception-tagged
	// lookup result; consume it so it cannot pollute the next call.
	if fn.IsException() {
		exc, err := r.sh.GetException(ctx)
		if err != nil {
			r.state = StateFaulted
			return shim.Undefined, err
		}
		msg, stack := r.describeException(ctx, exc)
		return shim.Undefined, &InvocationError{Message: msg, Stack: stack, Thrown: exc}
	}
	if fn.Kind() == shim.KindUndefined || fn.Kind() == shim.KindNull {
		r.sh.Release(ctx, fn)
		return shim.Undefined, &FunctionNotFoundError{Name: name}
	}
	callable, err := r.sh.IsFunction(ctx, fn)
	if err != nil {
		r.sh.Release(ctx, fn)
		r.state = StateFaulted
		return shim.Undefined, err
	}
	if !callable {
		r.sh.Release(ctx, fn)
		return shim.Undefined, &FunctionNotFoundError{Name: name}
	}
	defer r.sh.Release(ctx, fn)

	argvPtr, err := r.sh.WriteValues(ctx, args)
	if err != nil {
		r.state = StateFaulted
		return shim.Undefined, err
	}
	defer r.sh.Free(ctx, argvPtr)

	results, err := r.jsCall.Call(ctx,
		uint64(r.ctxPtr),
		uint64(fn),
		uint64(global),
		uint64(uint32(len(args))),
		uint64(argvPtr))
	if err != nil {
		// trap or forced close: engine state is no longer trustworthy
		r.state = StateFaulted
		return shim.Undefined, err
	}

	val := shim.Value(results[0])
	if val.IsException() {
		exc, err := r.sh.GetException(ctx)
		if err != nil {
			r.state = StateFaulted
			return shim.Undefined, err
		}
		msg, stack := r.describeException(ctx, exc)
		return shim.Undefined, &InvocationError{Message: msg, Stack: stack, Thrown: exc}
	}

	return val, nil
}

// DrainJobs runs pending engine jobs (promise reactions) up to maxJobs
// iterations. Jobs are never drained implicitly; callers decide when and
// how much pending work to execute. Returns the number of jobs executed.
func (r *Runtime) DrainJobs(ctx context.Context, maxJobs int) (int, error) {
	if r.state != StateReady {
		return 0, errors.New("drain requires a loaded script, state is " + r.state.String())
	}
	if r.jsExecutePendingJob == nil {
		return 0, nil
	}

	// JS_ExecutePendingJob writes the job's JSContext* here; this runtime
	// has a single context so the slot is only read by the engine.
	pctx, err := r.sh.Alloc(ctx, 4)
	if err != nil {
		return 0, err
	}
	defer r.sh.Free(ctx, pctx)

	executed := 0
	for executed < maxJobs {
		results, err := r.jsExecutePendingJob.Call(ctx, uint64(r.rtPtr), uint64(pctx))
		if err != nil {
			r.state = StateFaulted
			return executed, err
		}
		rc := api.DecodeI32(results[0])
		if rc == 0 {
			return executed, nil
		}
		if rc < 0 {
			exc, err := r.sh.GetException(ctx)
			if err != nil {
				r.state = StateFaulted
				return executed, err
			}
			msg, stack := r.describeException(ctx, exc)
			return executed, &InvocationError{Message: msg, Stack: stack, Thrown: exc}
		}
		executed++
	}
	return executed, nil
}

// PendingJobs reports whether the engine has queued jobs.
func (r *Runtime) PendingJobs(ctx context.Context) (bool, error) {
	if r.jsIsJobPending == nil || r.rtPtr == 0 {
		return false, nil
	}
	results, err := r.jsIsJobPending.Call(ctx, uint64(r.rtPtr))
	if err != nil {
		return false, err
	}
	return api.DecodeI32(results[0]) != 0, nil
}

// JSONStringify serializes a value through the engine's own JSON
// implementation, used to copy composite values out of the sandbox.
func (r *Runtime) JSONStringify(ctx context.Context, v shim.Value) (string, error) {
	global, err := r.sh.GetGlobalObject(ctx)
	if err != nil {
		return "", err
	}
	defer r.sh.Release(ctx, global)

	jsonObj, err := r.sh.GetPropertyStr(ctx, global, "JSON")
	if err != nil {
		return "", err
	}
	defer r.sh.Release(ctx, jsonObj)

	stringify, err := r.sh.GetPropertyStr(ctx, jsonObj, "stringify")
	if err != nil {
		return "", err
	}
	defer r.sh.Release(ctx, stringify)

	argvPtr, err := r.sh.WriteValues(ctx, []shim.Value{v})
	if err != nil {
		return "", err
	}
	defer r.sh.Free(ctx, argvPtr)

	results, err := r.jsCall.Call(ctx,
		uint64(r.ctxPtr),
		uint64(stringify),
		uint64(jsonObj),
		1,
		uint64(argvPtr))
	if err != nil {
		r.state = StateFaulted
		return "", err
	}
	res := shim.Value(results[0])
	if res.IsException() {
		exc, err := r.sh.GetException(ctx)
		if err != nil {
			r.state = StateFaulted
			return "", err
		}
		msg, stack := r.describeException(ctx, exc)
		return "", &InvocationError{Message: msg, Stack: stack, Thrown: exc}
	}
	defer r.sh.Release(ctx, res)
	return r.sh.ToString(ctx, res)
}

// Teardown releases the context and engine. Valid from any state and
// idempotent. Transitions to TornDown.
func (r *Runtime) Teardown(ctx context.Context) error {
	if r.state == StateTornDown {
		return nil
	}
	if r.ctxPtr != 0 {
		r.jsFreeContext.Call(ctx, uint64(r.ctxPtr))
		r.ctxPtr = 0
		r.sh.Bind(0)
	}
	if r.rtPtr != 0 {
		if r.jsStdFreeHandlers != nil {
			r.jsStdFreeHandlers.Call(ctx, uint64(r.rtPtr))
		}
		r.jsFreeRuntime.Call(ctx, uint64(r.rtPtr))
		r.rtPtr = 0
	}
	r.state = StateTornDown
	return nil
}

// freeRuntime releases the engine after a partial Initialize.
func (r *Runtime) freeRuntime(ctx context.Context) {
	if r.jsStdFreeHandlers != nil {
		r.jsStdFreeHandlers.Call(ctx, uint64(r.rtPtr))
	}
	r.jsFreeRuntime.Call(ctx, uint64(r.rtPtr))
	r.rtPtr = 0
}

// takeException consumes the pending exception and extracts its message,
// line number, and stack. The exception value is released.
func (r *Runtime) takeException(ctx context.Context) (msg string, line int, stack string) {
	exc, err := r.sh.GetException(ctx)
	if err != nil {
		return "unavailable: " + err.Error(), 0, ""
	}
	defer r.sh.Release(ctx, exc)

	msg, stack = r.describeException(ctx, exc)

	if isErr, _ := r.sh.IsError(ctx, exc); isErr {
		if lineVal, err := r.sh.GetPropertyStr(ctx, exc, "lineNumber"); err == nil {
			if lineVal.Kind() == shim.KindInt {
				line = int(lineVal.Int32())
			}
			r.sh.Release(ctx, lineVal)
		}
	}
	return msg, line, stack
}

// describeException extracts message and stack from a thrown value without
// consuming it.
func (r *Runtime) describeException(ctx context.Context, exc shim.Value) (msg, stack string) {
	msg, err := r.sh.ToString(ctx, exc)
	if err != nil {
		msg = "unprintable exception"
	}
	if isErr, _ := r.sh.IsError(ctx, exc); isErr {
		if stackVal, err := r.sh.GetPropertyStr(ctx, exc, "stack"); err == nil {
			if stackVal.Kind() != shim.KindUndefined {
				stack, _ = r.sh.ToString(ctx, stackVal)
			}
			r.sh.Release(ctx, stackVal)
		}
	}
	return msg, stack
}
