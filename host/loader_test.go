package host

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/guest"
	"github.com/aperturerobotics/go-quickjs-wasi-sandbox/shim"
)

// Integration tests drive a real sandbox module. Set QJS_SANDBOX_WASM to
// the path of a QuickJS WASI reactor build to run them.
func loadTestModule(t *testing.T) []byte {
	t.Helper()
	path := os.Getenv("QJS_SANDBOX_WASM")
	if path == "" {
		t.Skip("QJS_SANDBOX_WASM not set, skipping sandbox integration test")
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sandbox module: %v", err)
	}
	return bin
}

var calcScript = guest.ScriptUnit{
	Name: "calc.js",
	Source: `
function add(a, b) { return a + b; }
function greet(name) { return "hello " + name; }
function pair(a, b) { return { first: a, second: b }; }
function fail(msg) { throw new Error(msg); }
function spin() { for (;;) {} }
`,
}

func TestStartColdAndCall(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	if inst.State() != guest.StateReady {
		t.Fatalf("expected ready instance, got %s", inst.State())
	}

	got, err := l.Call(ctx, inst, "add", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got != int32(5) {
		t.Fatalf("add(2, 3) = %v (%T), want int32(5)", got, got)
	}

	got, err = l.Call(ctx, inst, "greet", "sandbox")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello sandbox" {
		t.Fatalf("greet = %v, want %q", got, "hello sandbox")
	}

	got, err = l.Call(ctx, inst, "pair", 1, "two")
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("pair returned %T, want map", got)
	}
	if obj["first"] != float64(1) || obj["second"] != "two" {
		t.Fatalf("pair = %v", obj)
	}
}

func TestCallFunctionNotFound(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	_, err = l.Call(ctx, inst, "missing")
	var notFound *guest.FunctionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected FunctionNotFoundError, got %v", err)
	}
	if notFound.Name != "missing" {
		t.Fatalf("error names %q", notFound.Name)
	}

	// The instance stays usable.
	if _, err := l.Call(ctx, inst, "add", 1, 1); err != nil {
		t.Fatalf("call after not-found failed: %v", err)
	}
}

func TestCallScriptException(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	_, err = l.Call(ctx, inst, "fail", "boom")
	var thrown *guest.InvocationError
	if !errors.As(err, &thrown) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if thrown.Message == "" {
		t.Fatal("expected a message from the thrown error")
	}

	// The instance stays usable after a script-level exception.
	if _, err := l.Call(ctx, inst, "add", 1, 1); err != nil {
		t.Fatalf("call after exception failed: %v", err)
	}
}

func TestLoadSyntaxError(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	_, err := l.StartCold(ctx, bin, &guest.ScriptUnit{
		Name:   "bad.js",
		Source: "function (((",
	})
	var evalErr *guest.ScriptEvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected ScriptEvaluationError, got %v", err)
	}
}

func TestCallBudget(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	cfg := Default()
	cfg.CallBudget = 200 * time.Millisecond
	l := NewLoader(WithConfig(cfg))
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	_, err = l.Call(ctx, inst, "spin")
	var budget *BudgetExceededError
	if !errors.As(err, &budget) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}

	// A blown budget faults the instance for good.
	if !inst.Closed() {
		t.Fatal("expected instance to be closed after budget abort")
	}
	if _, err := l.Call(ctx, inst, "add", 1, 1); err == nil {
		t.Fatal("expected call on faulted instance to fail")
	}
}

func TestCallBusy(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	// Hold the call slot the way an in-flight call would.
	inst.mu.Lock()
	_, err = l.Call(ctx, inst, "add", 1, 1)
	inst.mu.Unlock()

	var busy *InstanceBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected InstanceBusyError, got %v", err)
	}

	if _, err := l.Call(ctx, inst, "add", 1, 1); err != nil {
		t.Fatalf("call after slot freed failed: %v", err)
	}
}

func TestCallReleasesEngineValues(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	// The global object's reference count is a proxy for leaked call
	// values: every call path takes and releases it.
	global, err := inst.sh.GetGlobalObject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	before, err := inst.sh.RefCount(ctx, global)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.sh.Release(ctx, global); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if _, err := l.Call(ctx, inst, "greet", "x"); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Call(ctx, inst, "pair", i, "y"); err != nil {
			t.Fatal(err)
		}
	}

	global, err = inst.sh.GetGlobalObject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	after, err := inst.sh.RefCount(ctx, global)
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.sh.Release(ctx, global); err != nil {
		t.Fatal(err)
	}

	if before != after {
		t.Fatalf("global refcount drifted across calls: %d -> %d", before, after)
	}

	// The well-known singletons stay at refcount 0 no matter how often
	// they are read on a live instance.
	for _, v := range []shim.Value{shim.Undefined, shim.Null, shim.True} {
		for i := 0; i < 3; i++ {
			rc, err := inst.sh.RefCount(ctx, v)
			if err != nil {
				t.Fatal(err)
			}
			if rc != 0 {
				t.Fatalf("singleton %s refcount = %d, want 0", v.Kind(), rc)
			}
		}
	}
}

func TestInvokeThrowingGetter(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &guest.ScriptUnit{
		Name: "getter.js",
		Source: `
Object.defineProperty(globalThis, "trap", {
	get() { throw new Error("getter boom"); }
});
function ok() { return 1; }
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	// A throwing getter is a thrown exception, not a missing function.
	_, err = l.Call(ctx, inst, "trap")
	var thrown *guest.InvocationError
	if !errors.As(err, &thrown) {
		t.Fatalf("expected InvocationError, got %v", err)
	}

	// The consumed exception must not pollute later lookups.
	_, err = l.Call(ctx, inst, "missing")
	var notFound *guest.FunctionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected FunctionNotFoundError, got %v", err)
	}
	got, err := l.Call(ctx, inst, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if got != int32(1) {
		t.Fatalf("ok() = %v, want int32(1)", got)
	}
}

func TestCallEngineAllocationFailure(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	cfg := Default()
	cfg.EngineMemoryLimit = 1 << 20
	l := NewLoader(WithConfig(cfg))
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, inst)

	// Marshaling a string far beyond the engine allocator cap must fail
	// with an error rather than smuggle an exception value into the call.
	_, err = l.Call(ctx, inst, "greet", strings.Repeat("x", 8<<20))
	if err == nil {
		t.Fatal("expected error for oversized string argument")
	}

	// The failed allocation leaves the instance usable.
	if _, err := l.Call(ctx, inst, "add", 1, 1); err != nil {
		t.Fatalf("call after failed allocation: %v", err)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	warm, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}

	blob, err := l.CaptureSnapshot(ctx, warm)
	if err != nil {
		t.Fatal(err)
	}

	// The captured instance keeps working.
	if _, err := l.Call(ctx, warm, "add", 1, 2); err != nil {
		t.Fatal(err)
	}
	l.Shutdown(ctx, warm)

	restored, err := l.StartFromSnapshot(ctx, bin, blob)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Shutdown(ctx, restored)

	if restored.Origin() != SnapshotRestore {
		t.Fatalf("origin = %s", restored.Origin())
	}
	got, err := l.Call(ctx, restored, "add", 20, 22)
	if err != nil {
		t.Fatal(err)
	}
	if got != int32(42) {
		t.Fatalf("add on restored instance = %v, want int32(42)", got)
	}
}

func TestSnapshotRejections(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	warm, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := l.CaptureSnapshot(ctx, warm)
	if err != nil {
		t.Fatal(err)
	}
	l.Shutdown(ctx, warm)

	t.Run("different module binary", func(t *testing.T) {
		other := append([]byte(nil), bin...)
		other[len(other)-1] ^= 0xff
		_, err := l.StartFromSnapshot(ctx, other, blob)
		var mismatch *SnapshotMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected SnapshotMismatchError, got %v", err)
		}
	})

	t.Run("corrupt blob", func(t *testing.T) {
		_, err := l.StartFromSnapshot(ctx, bin, blob[:20])
		var corrupt *SnapshotCorruptError
		if !errors.As(err, &corrupt) {
			t.Fatalf("expected SnapshotCorruptError, got %v", err)
		}
	})
}

func TestShutdownIdempotent(t *testing.T) {
	bin := loadTestModule(t)
	ctx := context.Background()

	l := NewLoader()
	defer l.Close(ctx)

	inst, err := l.StartCold(ctx, bin, &calcScript)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Shutdown(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if err := l.Shutdown(ctx, inst); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Call(ctx, inst, "add", 1, 1); err == nil {
		t.Fatal("expected call on shut-down instance to fail")
	}
}
