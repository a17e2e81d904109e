package scripthost

import (
	"context"
	"testing"
	"time"
)

func TestEvalJSConcatenatesAndReadsContext(t *testing.T) {
	h := New(false)
	val, err := h.Eval(context.Background(), `"prefix-" + ctx.request.method`, DialectJS,
		Context{"request": map[string]interface{}{"method": "POST"}}, time.Second)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if val != "prefix-POST" {
		t.Errorf("expected prefix-POST, got %q", val)
	}
}

func TestEvalJSCompileErrorClassified(t *testing.T) {
	h := New(false)
	_, err := h.Eval(context.Background(), `this is not valid js (((`, DialectJS, nil, time.Second)
	if err == nil {
		t.Fatal("expected a compile error")
	}
	se, ok := err.(*ScriptError)
	if !ok {
		t.Fatalf("expected *ScriptError, got %T", err)
	}
	if se.Kind != ErrCompile && se.Kind != ErrRuntime {
		t.Errorf("expected compile or runtime classification, got %s", se.Kind)
	}
}

func TestEvalJSTimeout(t *testing.T) {
	h := New(false)
	_, err := h.Eval(context.Background(), `while(true) {}`, DialectJS, nil, 20*time.Millisecond)
	se, ok := err.(*ScriptError)
	if !ok || se.Kind != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestEvalPythonDisabledByDefault(t *testing.T) {
	h := New(false)
	_, err := h.Eval(context.Background(), `result = "x"`, DialectPython, nil, time.Second)
	se, ok := err.(*ScriptError)
	if !ok || se.Kind != ErrUnsupportedDialect {
		t.Fatalf("expected ErrUnsupportedDialect, got %v", err)
	}
}

func TestEvalPythonConcatenation(t *testing.T) {
	h := New(true)
	val, err := h.Eval(context.Background(), `result = "hello-" + str(request)`, DialectPython,
		Context{"request": "abc"}, time.Second)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if val != "hello-abc" {
		t.Errorf("expected hello-abc, got %q", val)
	}
}

func TestEvalUnknownDialect(t *testing.T) {
	h := New(false)
	_, err := h.Eval(context.Background(), `1`, Dialect("cobol"), nil, time.Second)
	se, ok := err.(*ScriptError)
	if !ok || se.Kind != ErrUnsupportedDialect {
		t.Fatalf("expected ErrUnsupportedDialect, got %v", err)
	}
}

func TestEvalDefaultsTimeoutWhenUnset(t *testing.T) {
	h := New(false)
	val, err := h.Eval(context.Background(), `"ok"`, DialectJS, nil, 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if val != "ok" {
		t.Errorf("expected ok, got %q", val)
	}
}
