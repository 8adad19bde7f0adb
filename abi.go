// Package quickjswasi describes the export surface of the QuickJS WASI
// sandbox module used by this project.
//
// The sandbox module is a reactor-model WASM build of QuickJS: instead of
// blocking in _start(), it exports the QuickJS C API plus a small shim of
// boundary-safe wrappers, letting the host drive runtime lifecycle, script
// evaluation, and function invocation directly.
//
// The QuickJS C API relies heavily on static inline functions and macros
// (JS_NewFloat64, JS_DupValue, JS_FreeValue, ...) that do not survive
// compilation as callable exports. The shim (the WL_* exports below)
// re-exports those primitives as plain functions so they can be called
// across the sandbox boundary.
package quickjswasi

// Value shim exports. These wrap the inline/macro primitives of quickjs.h
// as real exported functions with no additional side effects.
const (
	// ExportWLNewFloat64 constructs a float64 value.
	// Signature: WL_JS_NewFloat64(ctx: i32, d: f64) -> i64 (JSValue)
	ExportWLNewFloat64 = "WL_JS_NewFloat64"

	// ExportWLNewInt32 constructs an int32 value.
	// Signature: WL_JS_NewInt32(ctx: i32, val: i32) -> i64 (JSValue)
	ExportWLNewInt32 = "WL_JS_NewInt32"

	// ExportWLNewBool constructs a boolean value.
	// Signature: WL_JS_NewBool(ctx: i32, val: i32) -> i64 (JSValue)
	ExportWLNewBool = "WL_JS_NewBool"

	// ExportWLDupValue duplicates a value (refcount increment for
	// heap-backed values, no observable effect for immediates).
	// Signature: WL_JS_DupValue(ctx: i32, val: i64) -> i64 (JSValue)
	ExportWLDupValue = "WL_JS_DupValue"

	// ExportWLFreeValue releases a value (refcount decrement, deallocation
	// at zero).
	// Signature: WL_JS_FreeValue(ctx: i32, val: i64) -> void
	ExportWLFreeValue = "WL_JS_FreeValue"

	// ExportWLGetRefCount reads the live reference count of a heap-backed
	// value. For immediate (tag-only) values it returns 0 by contract.
	// Signature: WL_GetRefCount(val: i64) -> i32
	ExportWLGetRefCount = "WL_GetRefCount"
)

// Memory management exports
const (
	// ExportMalloc allocates memory in WASM linear memory.
	// Signature: malloc(size: i32) -> i32 (pointer)
	ExportMalloc = "malloc"

	// ExportFree frees memory in WASM linear memory.
	// Signature: free(ptr: i32) -> void
	ExportFree = "free"

	// ExportRealloc reallocates memory in WASM linear memory.
	// Signature: realloc(ptr: i32, size: i32) -> i32 (pointer)
	ExportRealloc = "realloc"
)

// Core runtime exports (quickjs.h)
const (
	// ExportJSNewRuntime creates a new JavaScript runtime.
	// Signature: JS_NewRuntime() -> i32 (JSRuntime*)
	ExportJSNewRuntime = "JS_NewRuntime"

	// ExportJSFreeRuntime frees a JavaScript runtime.
	// Signature: JS_FreeRuntime(rt: i32) -> void
	ExportJSFreeRuntime = "JS_FreeRuntime"

	// ExportJSNewContext creates a new JavaScript context.
	// Signature: JS_NewContext(rt: i32) -> i32 (JSContext*)
	ExportJSNewContext = "JS_NewContext"

	// ExportJSFreeContext frees a JavaScript context.
	// Signature: JS_FreeContext(ctx: i32) -> void
	ExportJSFreeContext = "JS_FreeContext"

	// ExportJSGetRuntime gets the runtime from a context.
	// Signature: JS_GetRuntime(ctx: i32) -> i32 (JSRuntime*)
	ExportJSGetRuntime = "JS_GetRuntime"

	// ExportJSSetMemoryLimit sets the memory limit for the runtime.
	// Signature: JS_SetMemoryLimit(rt: i32, limit: i64) -> void
	ExportJSSetMemoryLimit = "JS_SetMemoryLimit"

	// ExportJSSetMaxStackSize sets the maximum stack size.
	// Signature: JS_SetMaxStackSize(rt: i32, size: i64) -> void
	ExportJSSetMaxStackSize = "JS_SetMaxStackSize"

	// ExportJSRunGC runs garbage collection.
	// Signature: JS_RunGC(rt: i32) -> void
	ExportJSRunGC = "JS_RunGC"
)

// Evaluation and invocation exports
const (
	// ExportJSEval evaluates JavaScript code.
	// Signature: JS_Eval(ctx: i32, input: i32, input_len: i64, filename: i32, eval_flags: i32) -> i64 (JSValue)
	ExportJSEval = "JS_Eval"

	// ExportJSCall calls a JavaScript function.
	// Signature: JS_Call(ctx: i32, func_obj: i64, this_obj: i64, argc: i32, argv: i32) -> i64 (JSValue)
	ExportJSCall = "JS_Call"
)

// Value exports
const (
	// ExportJSNewStringLen creates a new string from bytes.
	// Signature: JS_NewStringLen(ctx: i32, str: i32, len: i64) -> i64 (JSValue)
	ExportJSNewStringLen = "JS_NewStringLen"

	// ExportJSNewObject creates a new empty object.
	// Signature: JS_NewObject(ctx: i32) -> i64 (JSValue)
	ExportJSNewObject = "JS_NewObject"

	// ExportJSNewArray creates a new array.
	// Signature: JS_NewArray(ctx: i32) -> i64 (JSValue)
	ExportJSNewArray = "JS_NewArray"

	// ExportJSToInt32 converts a value to int32.
	// Signature: JS_ToInt32(ctx: i32, pres: i32, val: i64) -> i32
	ExportJSToInt32 = "JS_ToInt32"

	// ExportJSToFloat64 converts a value to float64.
	// Signature: JS_ToFloat64(ctx: i32, pres: i32, val: i64) -> i32
	ExportJSToFloat64 = "JS_ToFloat64"

	// ExportJSToCStringLen2 converts a value to a C string.
	// Signature: JS_ToCStringLen2(ctx: i32, plen: i32, val: i64, cesu8: i32) -> i32 (char*)
	ExportJSToCStringLen2 = "JS_ToCStringLen2"

	// ExportJSFreeCString frees a C string returned by JS_ToCStringLen2.
	// Signature: JS_FreeCString(ctx: i32, ptr: i32) -> void
	ExportJSFreeCString = "JS_FreeCString"

	// ExportJSIsFunction checks if a value is callable.
	// Signature: JS_IsFunction(ctx: i32, val: i64) -> i32
	ExportJSIsFunction = "JS_IsFunction"

	// ExportJSIsArray checks if a value is an array.
	// Signature: JS_IsArray(ctx: i32, val: i64) -> i32
	ExportJSIsArray = "JS_IsArray"
)

// Property exports
const (
	// ExportJSGetPropertyStr gets a property by string key.
	// Signature: JS_GetPropertyStr(ctx: i32, this_obj: i64, prop: i32) -> i64 (JSValue)
	ExportJSGetPropertyStr = "JS_GetPropertyStr"

	// ExportJSGetPropertyUint32 gets a property by index.
	// Signature: JS_GetPropertyUint32(ctx: i32, this_obj: i64, idx: i32) -> i64 (JSValue)
	ExportJSGetPropertyUint32 = "JS_GetPropertyUint32"

	// ExportJSSetPropertyStr sets a property by string key. Consumes the
	// value reference.
	// Signature: JS_SetPropertyStr(ctx: i32, this_obj: i64, prop: i32, val: i64) -> i32
	ExportJSSetPropertyStr = "JS_SetPropertyStr"

	// ExportJSSetPropertyUint32 sets a property by index. Consumes the
	// value reference.
	// Signature: JS_SetPropertyUint32(ctx: i32, this_obj: i64, idx: i32, val: i64) -> i32
	ExportJSSetPropertyUint32 = "JS_SetPropertyUint32"

	// ExportJSGetGlobalObject gets the global object.
	// Signature: JS_GetGlobalObject(ctx: i32) -> i64 (JSValue)
	ExportJSGetGlobalObject = "JS_GetGlobalObject"
)

// Exception exports
const (
	// ExportJSGetException gets the current exception.
	// Signature: JS_GetException(ctx: i32) -> i64 (JSValue)
	ExportJSGetException = "JS_GetException"

	// ExportJSHasException checks if there is a pending exception.
	// Signature: JS_HasException(ctx: i32) -> i32
	ExportJSHasException = "JS_HasException"

	// ExportJSIsError checks if a value is an Error object.
	// Signature: JS_IsError(ctx: i32, val: i64) -> i32
	ExportJSIsError = "JS_IsError"
)

// Job exports
const (
	// ExportJSExecutePendingJob executes a pending job.
	// Signature: JS_ExecutePendingJob(rt: i32, pctx: i32) -> i32
	ExportJSExecutePendingJob = "JS_ExecutePendingJob"

	// ExportJSIsJobPending checks if there are pending jobs.
	// Signature: JS_IsJobPending(rt: i32) -> i32
	ExportJSIsJobPending = "JS_IsJobPending"
)

// Standard library exports (quickjs-libc.h). Optional: the guest runtime
// probes for these and skips them when the sandbox build omits libc.
const (
	// ExportJSStdInitHandlers initializes std handlers.
	// Signature: js_std_init_handlers(rt: i32) -> void
	ExportJSStdInitHandlers = "js_std_init_handlers"

	// ExportJSStdFreeHandlers frees std handlers.
	// Signature: js_std_free_handlers(rt: i32) -> void
	ExportJSStdFreeHandlers = "js_std_free_handlers"

	// ExportJSStdAddHelpers adds std helper functions (console, print, etc).
	// Signature: js_std_add_helpers(ctx: i32, argc: i32, argv: i32) -> void
	ExportJSStdAddHelpers = "js_std_add_helpers"
)

// JS_EVAL_* flags for JS_Eval
const (
	JSEvalTypeGlobal    = 0 << 0 // global code (default)
	JSEvalTypeModule    = 1 << 0 // module code
	JSEvalFlagStrict    = 1 << 3 // force 'use strict'
	JSEvalFlagCompile   = 1 << 5 // compile only, do not run
	JSEvalFlagBacktrace = 1 << 6 // enable backtrace
)

// JSValue tag constants (matching quickjs.h)
const (
	JSTagFirst         = -11
	JSTagBigDecimal    = -11
	JSTagBigInt        = -10
	JSTagBigFloat      = -9
	JSTagSymbol        = -8
	JSTagString        = -7
	JSTagModule        = -3
	JSTagFunctionByte  = -2
	JSTagObject        = -1
	JSTagInt           = 0
	JSTagBool          = 1
	JSTagNull          = 2
	JSTagUndefined     = 3
	JSTagUninitialized = 4
	JSTagCatchOffset   = 5
	JSTagException     = 6
	JSTagFloat64       = 7
)

// JSValue helpers
// JSValue is a 64-bit value where:
// - For tagged values (tag < 0): lower 32 bits = pointer, upper 32 bits = tag
// - For immediate values (tag >= 0): depends on tag type
const (
	// JSValueUndefined is the undefined value
	JSValueUndefined = uint64(JSTagUndefined) << 32
	// JSValueNull is the null value
	JSValueNull = uint64(JSTagNull) << 32
	// JSValueException is the exception value (indicates an exception was thrown)
	JSValueException = uint64(JSTagException) << 32
	// JSValueTrue is the boolean true value
	JSValueTrue = uint64(JSTagBool)<<32 | 1
	// JSValueFalse is the boolean false value
	JSValueFalse = uint64(JSTagBool) << 32
)
