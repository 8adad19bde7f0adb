// Package shim exposes the sandbox module's value-shim exports as
// boundary-safe Go calls.
//
// QuickJS's own API for value construction, duplication, and release is
// made of inline functions and macros that cannot be invoked across the
// WASM boundary; the sandbox build re-exports them as the WL_* functions
// this package wraps. Each wrapper performs exactly the engine-internal
// operation with no additional side effects and is safe to call any number
// of times while the owning instance is initialized.
package shim

import (
	"context"
	"encoding/binary"
	"errors"

	quickjswasi "github.com/aperturerobotics/go-quickjs-wasi-sandbox"
	"github.com/tetratelabs/wazero/api"
)

// ErrNotBound is returned when a shim call is made before the shim has
// been bound to a live JSContext.
var ErrNotBound = errors.New("shim: not bound to a context")

// Shim caches the exported functions of one instantiated sandbox module
// and binds them to a JSContext pointer inside that module.
type Shim struct {
	mod api.Module

	// Memory management
	malloc api.Function
	free   api.Function

	// Value shim primitives
	wlNewFloat64  api.Function
	wlNewInt32    api.Function
	wlNewBool     api.Function
	wlDupValue    api.Function
	wlFreeValue   api.Function
	wlGetRefCount api.Function

	// Engine-native constructors and conversions
	jsNewStringLen  api.Function
	jsNewObject     api.Function
	jsNewArray      api.Function
	jsToInt32       api.Function
	jsToFloat64     api.Function
	jsToCStringLen2 api.Function
	jsFreeCString   api.Function
	jsIsFunction    api.Function
	jsIsArray       api.Function
	jsIsError       api.Function

	// Properties and globals
	jsGetPropertyStr    api.Function
	jsGetPropertyUint32 api.Function
	jsSetPropertyStr    api.Function
	jsSetPropertyUint32 api.Function
	jsGetGlobalObject   api.Function

	// Exceptions
	jsGetException api.Function
	jsHasException api.Function

	// JSContext* this shim operates against. Zero until Bind.
	ctxPtr uint32
}

// New builds a Shim over an instantiated sandbox module, resolving and
// validating the required exports. The shim is unusable until Bind is
// called with a live JSContext pointer.
func New(mod api.Module) (*Shim, error) {
	s := &Shim{
		mod: mod,

		malloc: mod.ExportedFunction(quickjswasi.ExportMalloc),
		free:   mod.ExportedFunction(quickjswasi.ExportFree),

		wlNewFloat64:  mod.ExportedFunction(quickjswasi.ExportWLNewFloat64),
		wlNewInt32:    mod.ExportedFunction(quickjswasi.ExportWLNewInt32),
		wlNewBool:     mod.ExportedFunction(quickjswasi.ExportWLNewBool),
		wlDupValue:    mod.ExportedFunction(quickjswasi.ExportWLDupValue),
		wlFreeValue:   mod.ExportedFunction(quickjswasi.ExportWLFreeValue),
		wlGetRefCount: mod.ExportedFunction(quickjswasi.ExportWLGetRefCount),

		jsNewStringLen:  mod.ExportedFunction(quickjswasi.ExportJSNewStringLen),
		jsNewObject:     mod.ExportedFunction(quickjswasi.ExportJSNewObject),
		jsNewArray:      mod.ExportedFunction(quickjswasi.ExportJSNewArray),
		jsToInt32:       mod.ExportedFunction(quickjswasi.ExportJSToInt32),
		jsToFloat64:     mod.ExportedFunction(quickjswasi.ExportJSToFloat64),
		jsToCStringLen2: mod.ExportedFunction(quickjswasi.ExportJSToCStringLen2),
		jsFreeCString:   mod.ExportedFunction(quickjswasi.ExportJSFreeCString),
		jsIsFunction:    mod.ExportedFunction(quickjswasi.ExportJSIsFunction),
		jsIsArray:       mod.ExportedFunction(quickjswasi.ExportJSIsArray),
		jsIsError:       mod.ExportedFunction(quickjswasi.ExportJSIsError),

		jsGetPropertyStr:    mod.ExportedFunction(quickjswasi.ExportJSGetPropertyStr),
		jsGetPropertyUint32: mod.ExportedFunction(quickjswasi.ExportJSGetPropertyUint32),
		jsSetPropertyStr:    mod.ExportedFunction(quickjswasi.ExportJSSetPropertyStr),
		jsSetPropertyUint32: mod.ExportedFunction(quickjswasi.ExportJSSetPropertyUint32),
		jsGetGlobalObject:   mod.ExportedFunction(quickjswasi.ExportJSGetGlobalObject),

		jsGetException: mod.ExportedFunction(quickjswasi.ExportJSGetException),
		jsHasException: mod.ExportedFunction(quickjswasi.ExportJSHasException),
	}

	// Validate required exports
	for _, req := range []struct {
		name string
		fn   api.Function
	}{
		{quickjswasi.ExportMalloc, s.malloc},
		{quickjswasi.ExportFree, s.free},
		{quickjswasi.ExportWLNewFloat64, s.wlNewFloat64},
		{quickjswasi.ExportWLNewInt32, s.wlNewInt32},
		{quickjswasi.ExportWLNewBool, s.wlNewBool},
		{quickjswasi.ExportWLDupValue, s.wlDupValue},
		{quickjswasi.ExportWLFreeValue, s.wlFreeValue},
		{quickjswasi.ExportWLGetRefCount, s.wlGetRefCount},
		{quickjswasi.ExportJSNewStringLen, s.jsNewStringLen},
		{quickjswasi.ExportJSToCStringLen2, s.jsToCStringLen2},
		{quickjswasi.ExportJSFreeCString, s.jsFreeCString},
		{quickjswasi.ExportJSGetPropertyStr, s.jsGetPropertyStr},
		{quickjswasi.ExportJSGetGlobalObject, s.jsGetGlobalObject},
		{quickjswasi.ExportJSGetException, s.jsGetException},
	} {
		if req.fn == nil {
			return nil, errors.New("shim: missing export: " + req.name)
		}
	}

	return s, nil
}

// Bind attaches the shim to a JSContext pointer. Called by the guest
// runtime once the context exists (or is adopted from a snapshot).
func (s *Shim) Bind(ctxPtr uint32) {
	s.ctxPtr = ctxPtr
}

// Bound reports whether the shim has a live context.
func (s *Shim) Bound() bool {
	return s.ctxPtr != 0
}

// Module returns the underlying instantiated module.
func (s *Shim) Module() api.Module {
	return s.mod
}

// NewFloat64 constructs an engine float64 value. The returned value is
// immediate and carries no reference count.
func (s *Shim) NewFloat64(ctx context.Context, d float64) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.wlNewFloat64.Call(ctx, uint64(s.ctxPtr), api.EncodeF64(d))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// NewInt32 constructs an engine int32 value.
func (s *Shim) NewInt32(ctx context.Context, v int32) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.wlNewInt32.Call(ctx, uint64(s.ctxPtr), api.EncodeI32(v))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// NewBool constructs an engine boolean value.
func (s *Shim) NewBool(ctx context.Context, v bool) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	var iv int32
	if v {
		iv = 1
	}
	results, err := s.wlNewBool.Call(ctx, uint64(s.ctxPtr), api.EncodeI32(iv))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// Dup duplicates a value: a reference count increment for heap-backed
// values, observably a no-op for immediates. The returned value carries an
// independent release obligation.
func (s *Shim) Dup(ctx context.Context, v Value) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.wlDupValue.Call(ctx, uint64(s.ctxPtr), uint64(v))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// Release releases one ownership of a value: a reference count decrement
// for heap-backed values with deallocation at zero, a no-op for
// immediates. Releasing the same ownership twice is a caller bug; callers
// track ownership so this cannot occur through the shim alone.
func (s *Shim) Release(ctx context.Context, v Value) error {
	if s.ctxPtr == 0 {
		return ErrNotBound
	}
	_, err := s.wlFreeValue.Call(ctx, uint64(s.ctxPtr), uint64(v))
	return err
}

// RefCount reads the live reference count of a heap-backed value. For
// immediate values it returns 0 by contract, without crossing the
// boundary.
func (s *Shim) RefCount(ctx context.Context, v Value) (int32, error) {
	if !v.HasRefCount() {
		return 0, nil
	}
	results, err := s.wlGetRefCount.Call(ctx, uint64(v))
	if err != nil {
		return 0, err
	}
	return api.DecodeI32(results[0]), nil
}

// NewString constructs an engine string value, copying the bytes into the
// sandbox.
func (s *Shim) NewString(ctx context.Context, str string) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	ptr, err := s.AllocBytes(ctx, []byte(str))
	if err != nil {
		return Undefined, err
	}
	defer s.Free(ctx, ptr)
	results, err := s.jsNewStringLen.Call(ctx, uint64(s.ctxPtr), uint64(ptr), uint64(len(str)))
	if err != nil {
		return Undefined, err
	}
	v := Value(results[0])
	if v.IsException() {
		s.clearException(ctx)
		return Undefined, errors.New("shim: string allocation failed")
	}
	return v, nil
}

// NewObject constructs an empty engine object. The returned value is
// heap-backed and owned by the caller.
func (s *Shim) NewObject(ctx context.Context) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.jsNewObject.Call(ctx, uint64(s.ctxPtr))
	if err != nil {
		return Undefined, err
	}
	v := Value(results[0])
	if v.IsException() {
		s.clearException(ctx)
		return Undefined, errors.New("shim: object allocation failed")
	}
	return v, nil
}

// NewArray constructs an empty engine array.
func (s *Shim) NewArray(ctx context.Context) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.jsNewArray.Call(ctx, uint64(s.ctxPtr))
	if err != nil {
		return Undefined, err
	}
	v := Value(results[0])
	if v.IsException() {
		s.clearException(ctx)
		return Undefined, errors.New("shim: array allocation failed")
	}
	return v, nil
}

// ToFloat64 converts a value to a Go float64 via the engine.
func (s *Shim) ToFloat64(ctx context.Context, v Value) (float64, error) {
	if s.ctxPtr == 0 {
		return 0, ErrNotBound
	}
	scratch, err := s.Alloc(ctx, 8)
	if err != nil {
		return 0, err
	}
	defer s.Free(ctx, scratch)
	results, err := s.jsToFloat64.Call(ctx, uint64(s.ctxPtr), uint64(scratch), uint64(v))
	if err != nil {
		return 0, err
	}
	if api.DecodeI32(results[0]) < 0 {
		return 0, errors.New("shim: JS_ToFloat64 failed")
	}
	raw, ok := s.mod.Memory().ReadUint64Le(scratch)
	if !ok {
		return 0, errors.New("shim: failed to read conversion result")
	}
	return api.DecodeF64(raw), nil
}

// ToInt32 converts a value to a Go int32 via the engine.
func (s *Shim) ToInt32(ctx context.Context, v Value) (int32, error) {
	if s.ctxPtr == 0 {
		return 0, ErrNotBound
	}
	scratch, err := s.Alloc(ctx, 4)
	if err != nil {
		return 0, err
	}
	defer s.Free(ctx, scratch)
	results, err := s.jsToInt32.Call(ctx, uint64(s.ctxPtr), uint64(scratch), uint64(v))
	if err != nil {
		return 0, err
	}
	if api.DecodeI32(results[0]) < 0 {
		return 0, errors.New("shim: JS_ToInt32 failed")
	}
	raw, ok := s.mod.Memory().ReadUint32Le(scratch)
	if !ok {
		return 0, errors.New("shim: failed to read conversion result")
	}
	return int32(raw), nil
}

// ToString converts a value to a Go string via the engine, copying the
// bytes out of the sandbox.
func (s *Shim) ToString(ctx context.Context, v Value) (string, error) {
	if s.ctxPtr == 0 {
		return "", ErrNotBound
	}
	plen, err := s.Alloc(ctx, 4)
	if err != nil {
		return "", err
	}
	defer s.Free(ctx, plen)
	results, err := s.jsToCStringLen2.Call(ctx, uint64(s.ctxPtr), uint64(plen), uint64(v), 0)
	if err != nil {
		return "", err
	}
	strPtr := api.DecodeU32(results[0])
	if strPtr == 0 {
		// some values (e.g. symbols) cannot be stringified
		return "", errors.New("shim: value cannot be converted to string")
	}
	defer s.jsFreeCString.Call(ctx, uint64(s.ctxPtr), uint64(strPtr))
	strLen, ok := s.mod.Memory().ReadUint32Le(plen)
	if !ok {
		return "", errors.New("shim: failed to read string length")
	}
	buf, ok := s.mod.Memory().Read(strPtr, strLen)
	if !ok {
		return "", errors.New("shim: failed to read string bytes")
	}
	return string(buf), nil
}

// IsFunction reports whether the value is callable.
func (s *Shim) IsFunction(ctx context.Context, v Value) (bool, error) {
	if s.jsIsFunction == nil {
		return v.Kind() == KindObject, nil
	}
	results, err := s.jsIsFunction.Call(ctx, uint64(s.ctxPtr), uint64(v))
	if err != nil {
		return false, err
	}
	return api.DecodeI32(results[0]) != 0, nil
}

// IsArray reports whether the value is an array.
func (s *Shim) IsArray(ctx context.Context, v Value) (bool, error) {
	if s.jsIsArray == nil {
		return false, nil
	}
	results, err := s.jsIsArray.Call(ctx, uint64(s.ctxPtr), uint64(v))
	if err != nil {
		return false, err
	}
	return api.DecodeI32(results[0]) == 1, nil
}

// IsError reports whether the value is an Error object.
func (s *Shim) IsError(ctx context.Context, v Value) (bool, error) {
	if s.jsIsError == nil {
		return false, nil
	}
	results, err := s.jsIsError.Call(ctx, uint64(s.ctxPtr), uint64(v))
	if err != nil {
		return false, err
	}
	return api.DecodeI32(results[0]) != 0, nil
}

// GetGlobalObject returns the global object. The engine retains the value
// before returning it, so the caller owns one release.
func (s *Shim) GetGlobalObject(ctx context.Context) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.jsGetGlobalObject.Call(ctx, uint64(s.ctxPtr))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// GetPropertyStr reads a property by name. The returned value is retained;
// the caller owns one release.
func (s *Shim) GetPropertyStr(ctx context.Context, obj Value, key string) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	keyPtr, err := s.AllocString(ctx, key)
	if err != nil {
		return Undefined, err
	}
	defer s.Free(ctx, keyPtr)
	results, err := s.jsGetPropertyStr.Call(ctx, uint64(s.ctxPtr), uint64(obj), uint64(keyPtr))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// GetPropertyUint32 reads a property by index. The returned value is
// retained; the caller owns one release.
func (s *Shim) GetPropertyUint32(ctx context.Context, obj Value, idx uint32) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.jsGetPropertyUint32.Call(ctx, uint64(s.ctxPtr), uint64(obj), uint64(idx))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// SetPropertyStr sets a property by name. The engine consumes the value
// reference: on success ownership of val transfers to obj and the caller
// must not release it again.
func (s *Shim) SetPropertyStr(ctx context.Context, obj Value, key string, val Value) error {
	if s.ctxPtr == 0 {
		return ErrNotBound
	}
	keyPtr, err := s.AllocString(ctx, key)
	if err != nil {
		return err
	}
	defer s.Free(ctx, keyPtr)
	results, err := s.jsSetPropertyStr.Call(ctx, uint64(s.ctxPtr), uint64(obj), uint64(keyPtr), uint64(val))
	if err != nil {
		return err
	}
	if api.DecodeI32(results[0]) < 0 {
		return errors.New("shim: JS_SetPropertyStr failed")
	}
	return nil
}

// SetPropertyUint32 sets a property by index. The engine consumes the
// value reference, as with SetPropertyStr.
func (s *Shim) SetPropertyUint32(ctx context.Context, obj Value, idx uint32, val Value) error {
	if s.ctxPtr == 0 {
		return ErrNotBound
	}
	results, err := s.jsSetPropertyUint32.Call(ctx, uint64(s.ctxPtr), uint64(obj), uint64(idx), uint64(val))
	if err != nil {
		return err
	}
	if api.DecodeI32(results[0]) < 0 {
		return errors.New("shim: JS_SetPropertyUint32 failed")
	}
	return nil
}

// GetException takes the pending exception from the context. The returned
// value is retained; the caller owns one release.
func (s *Shim) GetException(ctx context.Context) (Value, error) {
	if s.ctxPtr == 0 {
		return Undefined, ErrNotBound
	}
	results, err := s.jsGetException.Call(ctx, uint64(s.ctxPtr))
	if err != nil {
		return Undefined, err
	}
	return Value(results[0]), nil
}

// clearException consumes and releases the pending exception so a failed
// allocation does not pollute exception reporting on the next engine call.
func (s *Shim) clearException(ctx context.Context) {
	if exc, err := s.GetException(ctx); err == nil {
		_ = s.Release(ctx, exc)
	}
}

// HasException reports whether an exception is pending on the context.
func (s *Shim) HasException(ctx context.Context) (bool, error) {
	if s.jsHasException == nil {
		return false, nil
	}
	results, err := s.jsHasException.Call(ctx, uint64(s.ctxPtr))
	if err != nil {
		return false, err
	}
	return api.DecodeI32(results[0]) != 0, nil
}

// Alloc allocates size bytes in the sandbox linear memory. The caller must
// free the returned pointer.
func (s *Shim) Alloc(ctx context.Context, size uint32) (uint32, error) {
	results, err := s.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, errors.New("shim: malloc returned null")
	}
	return ptr, nil
}

// AllocBytes allocates and writes a byte slice into the sandbox linear
// memory. The caller must free the returned pointer.
func (s *Shim) AllocBytes(ctx context.Context, b []byte) (uint32, error) {
	ptr, err := s.Alloc(ctx, uint32(len(b)+1))
	if err != nil {
		return 0, err
	}
	if !s.mod.Memory().Write(ptr, b) || !s.mod.Memory().WriteByte(ptr+uint32(len(b)), 0) {
		s.Free(ctx, ptr)
		return 0, errors.New("shim: failed to write to memory")
	}
	return ptr, nil
}

// AllocString allocates a null-terminated string in the sandbox linear
// memory. The caller must free the returned pointer.
func (s *Shim) AllocString(ctx context.Context, str string) (uint32, error) {
	return s.AllocBytes(ctx, []byte(str))
}

// WriteValues writes a JSValue vector into the sandbox linear memory and
// returns its pointer, for use as a JS_Call argv. The caller must free the
// returned pointer. Returns pointer 0 for an empty vector.
func (s *Shim) WriteValues(ctx context.Context, vals []Value) (uint32, error) {
	if len(vals) == 0 {
		return 0, nil
	}
	ptr, err := s.Alloc(ctx, uint32(len(vals)*8))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	if !s.mod.Memory().Write(ptr, buf) {
		s.Free(ctx, ptr)
		return 0, errors.New("shim: failed to write argv")
	}
	return ptr, nil
}

// Free releases a pointer in the sandbox linear memory. Zero pointers are
// ignored.
func (s *Shim) Free(ctx context.Context, ptr uint32) {
	if ptr != 0 {
		s.free.Call(ctx, uint64(ptr))
	}
}
