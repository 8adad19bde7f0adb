package guest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineInitError(t *testing.T) {
	inner := errors.New("out of memory")
	err := &EngineInitError{Reason: "JS_NewRuntime failed", Err: inner}
	assert.Contains(t, err.Error(), "JS_NewRuntime failed")
	assert.ErrorIs(t, err, inner)

	bare := &EngineInitError{Reason: "JS_NewContext returned null"}
	assert.Equal(t, "engine init: JS_NewContext returned null", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestScriptEvaluationError(t *testing.T) {
	err := &ScriptEvaluationError{Message: "SyntaxError: unexpected token", Line: 3}
	assert.Contains(t, err.Error(), "line 3")
	assert.Contains(t, err.Error(), "SyntaxError")

	noLine := &ScriptEvaluationError{Message: "ReferenceError: x is not defined"}
	assert.NotContains(t, noLine.Error(), "line")
}

func TestFunctionNotFoundError(t *testing.T) {
	err := &FunctionNotFoundError{Name: "transform"}
	assert.Equal(t, "function not found: transform", err.Error())
}

func TestInvocationError(t *testing.T) {
	err := &InvocationError{Message: "Error: boom", Stack: "at fail (<script>:2)"}
	assert.Equal(t, "script threw: Error: boom", err.Error())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fresh", StateFresh.String())
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "torn-down", StateTornDown.String())
}
