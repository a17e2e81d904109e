package headers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shineme/aiproxy/internal/scripthost"
	"github.com/shineme/aiproxy/internal/storage"
)

func TestAssembleStripsHopByHopAndAppliesStatic(t *testing.T) {
	a := New(scripthost.New(false))
	req := Request{
		Method: "GET", Path: "/v1/models",
		InboundHeaders: http.Header{
			"Connection":    {"keep-alive"},
			"Content-Type":  {"application/json"},
			"X-Custom-Down": {"keep-me"},
		},
	}
	configs := []storage.HeaderConfig{
		{HeaderName: "X-Static", Kind: storage.HeaderStatic, StaticValue: "value1", Enabled: true, Priority: 1},
	}

	result, err := a.Assemble(context.Background(), req, configs, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if result.Headers.Get("Connection") != "" {
		t.Error("expected Connection header stripped")
	}
	if result.Headers.Get("Content-Type") != "application/json" {
		t.Error("expected inbound Content-Type preserved")
	}
	if result.Headers.Get("X-Static") != "value1" {
		t.Errorf("expected static header applied, got %q", result.Headers.Get("X-Static"))
	}
}

func TestAssembleCredentialHeaderPlacement(t *testing.T) {
	a := New(scripthost.New(false))
	cred := &storage.Credential{Placement: storage.PlacementHeader, ParamName: "Authorization", ValuePrefix: "Bearer ", Secret: "sk-abc"}

	result, err := a.Assemble(context.Background(), Request{}, nil, cred)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := result.Headers.Get("Authorization"); got != "Bearer sk-abc" {
		t.Errorf("expected Authorization = Bearer sk-abc, got %q", got)
	}
}

func TestAssembleCredentialQueryPlacement(t *testing.T) {
	a := New(scripthost.New(false))
	cred := &storage.Credential{Placement: storage.PlacementQuery, ParamName: "api_key", Secret: "sk-abc"}

	result, err := a.Assemble(context.Background(), Request{}, nil, cred)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if result.QueryParam != "api_key" || result.QueryValue != "sk-abc" {
		t.Errorf("expected query placement, got %+v", result)
	}
}

func TestAssembleScriptedJSHeader(t *testing.T) {
	a := New(scripthost.New(false))
	configs := []storage.HeaderConfig{
		{HeaderName: "X-Computed", Kind: storage.HeaderScriptedJS, ScriptSource: `"ts-" + ctx.request.method`, Timeout: time.Second, Enabled: true},
	}

	result, err := a.Assemble(context.Background(), Request{Method: "POST"}, configs, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := result.Headers.Get("X-Computed"); got != "ts-POST" {
		t.Errorf("expected computed header, got %q", got)
	}
}

type failingScriptHost struct {
	err error
}

func (f failingScriptHost) Eval(ctx context.Context, source string, dialect scripthost.Dialect, ctxValues scripthost.Context, timeout time.Duration) (string, error) {
	return "", f.err
}

func TestAssembleFallbackUseValueOnScriptError(t *testing.T) {
	a := New(failingScriptHost{err: &scripthost.ScriptError{Kind: scripthost.ErrRuntime}})
	configs := []storage.HeaderConfig{
		{HeaderName: "X-Computed", Kind: storage.HeaderScriptedJS, Fallback: storage.FallbackUseValue, FallbackValue: "fallback-value", Enabled: true},
	}

	result, err := a.Assemble(context.Background(), Request{}, configs, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got := result.Headers.Get("X-Computed"); got != "fallback-value" {
		t.Errorf("expected fallback value applied, got %q", got)
	}
}

func TestAssembleFallbackFailReturnsError(t *testing.T) {
	a := New(failingScriptHost{err: &scripthost.ScriptError{Kind: scripthost.ErrRuntime}})
	configs := []storage.HeaderConfig{
		{HeaderName: "X-Computed", Kind: storage.HeaderScriptedJS, Fallback: storage.FallbackFail, Enabled: true},
	}

	_, err := a.Assemble(context.Background(), Request{}, configs, nil)
	var failErr *FailError
	if err == nil {
		t.Fatal("expected a FailError")
	}
	if !asFailError(err, &failErr) {
		t.Errorf("expected *FailError, got %T: %v", err, err)
	}
}

func asFailError(err error, target **FailError) bool {
	fe, ok := err.(*FailError)
	if ok {
		*target = fe
	}
	return ok
}

func TestAssembleRecordsScriptTimeout(t *testing.T) {
	a := New(failingScriptHost{err: &scripthost.ScriptError{Kind: scripthost.ErrTimeout}})
	configs := []storage.HeaderConfig{
		{HeaderName: "X-Computed", Kind: storage.HeaderScriptedJS, Fallback: storage.FallbackUseDefault, Enabled: true},
	}

	result, err := a.Assemble(context.Background(), Request{}, configs, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(result.ScriptTimeouts) != 1 || result.ScriptTimeouts[0] != "X-Computed" {
		t.Errorf("expected X-Computed recorded as timed out, got %v", result.ScriptTimeouts)
	}
}
