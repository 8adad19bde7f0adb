package host

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/guest"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/shim"
)

// Undefined is the host-side representation of the engine's undefined
// value, distinct from nil (which maps to null).
type Undefined struct{}

func (Undefined) String() string { return "undefined" }

// toEngine converts a Go value into a retained engine value. The caller
// owns one release on the result. Integral numbers that fit int32 become
// int values; everything else numeric becomes float64, matching the
// engine's own number representation.
func toEngine(ctx context.Context, sh *shim.Shim, v any) (shim.Value, error) {
	switch x := v.(type) {
	case nil:
		return shim.Null, nil
	case Undefined:
		return shim.Undefined, nil
	case bool:
		return sh.NewBool(ctx, x)
	case int:
		return numberToEngine(ctx, sh, int64(x))
	case int8:
		return sh.NewInt32(ctx, int32(x))
	case int16:
		return sh.NewInt32(ctx, int32(x))
	case int32:
		return sh.NewInt32(ctx, x)
	case int64:
		return numberToEngine(ctx, sh, x)
	case uint:
		return numberToEngine(ctx, sh, int64(x))
	case uint8:
		return sh.NewInt32(ctx, int32(x))
	case uint16:
		return sh.NewInt32(ctx, int32(x))
	case uint32:
		return numberToEngine(ctx, sh, int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return sh.NewFloat64(ctx, float64(x))
		}
		return numberToEngine(ctx, sh, int64(x))
	case float32:
		return floatToEngine(ctx, sh, float64(x))
	case float64:
		return floatToEngine(ctx, sh, x)
	case string:
		return sh.NewString(ctx, x)
	case []any:
		return sliceToEngine(ctx, sh, x)
	case map[string]any:
		return mapToEngine(ctx, sh, x)
	default:
		return shim.Undefined, fmt.Errorf("host: cannot marshal %T", v)
	}
}

// numberToEngine narrows an integer to an int value when it fits int32,
// otherwise widens to float64.
func numberToEngine(ctx context.Context, sh *shim.Shim, x int64) (shim.Value, error) {
	if x >= math.MinInt32 && x <= math.MaxInt32 {
		return sh.NewInt32(ctx, int32(x))
	}
	return sh.NewFloat64(ctx, float64(x))
}

// floatToEngine folds integral floats in int32 range into int values,
// matching how the engine itself classifies numbers.
func floatToEngine(ctx context.Context, sh *shim.Shim, x float64) (shim.Value, error) {
	if foldsToInt32(x) {
		return sh.NewInt32(ctx, int32(x))
	}
	return sh.NewFloat64(ctx, x)
}

// foldsToInt32 reports whether a float64 represents exactly an int32
// value. Negative zero does not fold: it is only representable as a
// double.
func foldsToInt32(x float64) bool {
	return x == math.Trunc(x) && x >= math.MinInt32 && x <= math.MaxInt32 &&
		!(x == 0 && math.Signbit(x))
}

func sliceToEngine(ctx context.Context, sh *shim.Shim, xs []any) (shim.Value, error) {
	arr, err := sh.NewArray(ctx)
	if err != nil {
		return shim.Undefined, err
	}
	for i, x := range xs {
		elem, err := toEngine(ctx, sh, x)
		if err != nil {
			sh.Release(ctx, arr)
			return shim.Undefined, err
		}
		// SetPropertyUint32 consumes the element reference.
		if err := sh.SetPropertyUint32(ctx, arr, uint32(i), elem); err != nil {
			sh.Release(ctx, arr)
			return shim.Undefined, err
		}
	}
	return arr, nil
}

func mapToEngine(ctx context.Context, sh *shim.Shim, m map[string]any) (shim.Value, error) {
	obj, err := sh.NewObject(ctx)
	if err != nil {
		return shim.Undefined, err
	}
	for k, x := range m {
		val, err := toEngine(ctx, sh, x)
		if err != nil {
			sh.Release(ctx, obj)
			return shim.Undefined, err
		}
		if err := sh.SetPropertyStr(ctx, obj, k, val); err != nil {
			sh.Release(ctx, obj)
			return shim.Undefined, err
		}
	}
	return obj, nil
}

// fromEngine copies an engine value out as a Go value. The engine value
// is borrowed: the caller keeps its release obligation. Composite values
// are copied through the engine's JSON serializer.
func fromEngine(ctx context.Context, rt *guest.Runtime, v shim.Value) (any, error) {
	sh := rt.Shim()
	switch v.Kind() {
	case shim.KindUndefined:
		return Undefined{}, nil
	case shim.KindNull:
		return nil, nil
	case shim.KindBool:
		return v.Bool(), nil
	case shim.KindInt:
		return v.Int32(), nil
	case shim.KindFloat64:
		return sh.ToFloat64(ctx, v)
	case shim.KindString:
		return sh.ToString(ctx, v)
	case shim.KindObject:
		text, err := rt.JSONStringify(ctx, v)
		if err != nil {
			return nil, err
		}
		// JSON.stringify of a bare function yields undefined, which is
		// not valid JSON text.
		if text == "undefined" {
			return Undefined{}, nil
		}
		var out any
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("host: decode engine value: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("host: cannot unmarshal engine value of kind %s", v.Kind())
	}
}
