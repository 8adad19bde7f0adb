package shim

import (
	quickjswasi "github.com/aperturerobotics/go-quickjs-wasi-sandbox"
)

// Value is an engine value as it crosses the sandbox boundary: the raw
// 64-bit JSValue representation with the tag in the upper 32 bits.
//
// Immediate values (tag >= 0) carry their payload in the lower 32 bits and
// have no reference count. Heap-backed values (tag < 0) carry a pointer
// into the sandbox linear memory and are reference counted; every Value
// obtained from a constructor, Dup, or an engine call that returns a
// retained value must eventually be passed to Release exactly once.
type Value uint64

// Kind classifies a Value for boundary handling.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat64
	KindString
	KindSymbol
	KindObject
	KindException
	KindBigInt
	KindOther
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindSymbol:
		return "symbol"
	case KindObject:
		return "object"
	case KindException:
		return "exception"
	case KindBigInt:
		return "bigint"
	default:
		return "other"
	}
}

// Well-known immediate singletons. These are static, non-owned values:
// duplicating or releasing them has no observable effect and their
// reference count reads as 0.
const (
	Undefined = Value(quickjswasi.JSValueUndefined)
	Null      = Value(quickjswasi.JSValueNull)
	True      = Value(quickjswasi.JSValueTrue)
	False     = Value(quickjswasi.JSValueFalse)
	Exception = Value(quickjswasi.JSValueException)
)

// Tag returns the JSValue tag. Values whose raw tag falls outside the
// defined range are float64 (NaN boxing).
func (v Value) Tag() int32 {
	tag := int32(uint64(v) >> 32)
	if uint32(tag-quickjswasi.JSTagFirst) >= uint32(quickjswasi.JSTagFloat64-quickjswasi.JSTagFirst) {
		return quickjswasi.JSTagFloat64
	}
	return tag
}

// Kind returns the boundary kind of the value.
func (v Value) Kind() Kind {
	switch v.Tag() {
	case quickjswasi.JSTagUndefined:
		return KindUndefined
	case quickjswasi.JSTagNull:
		return KindNull
	case quickjswasi.JSTagBool:
		return KindBool
	case quickjswasi.JSTagInt:
		return KindInt
	case quickjswasi.JSTagFloat64:
		return KindFloat64
	case quickjswasi.JSTagString:
		return KindString
	case quickjswasi.JSTagSymbol:
		return KindSymbol
	case quickjswasi.JSTagException:
		return KindException
	case quickjswasi.JSTagBigInt:
		return KindBigInt
	case quickjswasi.JSTagObject:
		return KindObject
	case quickjswasi.JSTagUninitialized, quickjswasi.JSTagCatchOffset, quickjswasi.JSTagModule, quickjswasi.JSTagFunctionByte:
		return KindOther
	default:
		return KindObject
	}
}

// IsException reports whether the value is the exception marker returned
// by a failed engine operation.
func (v Value) IsException() bool {
	return int32(uint64(v)>>32) == quickjswasi.JSTagException
}

// HasRefCount reports whether the value is heap-backed and therefore
// reference counted. Immediate values return false.
func (v Value) HasRefCount() bool {
	return int32(uint64(v)>>32) < 0
}

// Int32 returns the immediate int payload. Only meaningful when the tag
// is JSTagInt or JSTagBool.
func (v Value) Int32() int32 {
	return int32(uint64(v) & 0xffffffff)
}

// Bool returns the immediate boolean payload.
func (v Value) Bool() bool {
	return v.Int32() != 0
}
