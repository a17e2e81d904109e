package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shineme/aiproxy/internal/auditlog"
	"github.com/shineme/aiproxy/internal/headers"
	"github.com/shineme/aiproxy/internal/notifier"
	"github.com/shineme/aiproxy/internal/ratelimit"
	"github.com/shineme/aiproxy/internal/rules"
	"github.com/shineme/aiproxy/internal/scripthost"
	"github.com/shineme/aiproxy/internal/selector"
	"github.com/shineme/aiproxy/internal/storage"
)

func TestSplitProxyPath(t *testing.T) {
	cases := []struct {
		path       string
		wantName   string
		wantRemain string
		wantOK     bool
	}{
		{"/proxy/openai/v1/chat/completions", "openai", "/v1/chat/completions", true},
		{"/proxy/openai", "openai", "/", true},
		{"/proxy/", "", "", false},
		{"/other/path", "", "", false},
	}
	for _, c := range cases {
		name, remain, ok := splitProxyPath(c.path)
		if ok != c.wantOK || name != c.wantName || remain != c.wantRemain {
			t.Errorf("splitProxyPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.path, name, remain, ok, c.wantName, c.wantRemain, c.wantOK)
		}
	}
}

func TestDetectFailure(t *testing.T) {
	if got := DetectFailure(&http.Response{StatusCode: 503}, nil); got != FailureServerError {
		t.Errorf("expected FailureServerError, got %v", got)
	}
	if got := DetectFailure(&http.Response{StatusCode: 200}, nil); got != FailureNone {
		t.Errorf("expected FailureNone, got %v", got)
	}
	resp := &http.Response{StatusCode: 429, Header: http.Header{}}
	if got := DetectFailure(resp, nil); got != FailureRateLimit {
		t.Errorf("expected FailureRateLimit, got %v", got)
	}
	resp.Header.Set("Retry-After", "30")
	if got := DetectFailure(resp, nil); got != FailureNone {
		t.Errorf("expected FailureNone once Retry-After is present, got %v", got)
	}
}

func TestExtractTokenUsage(t *testing.T) {
	usage := ExtractTokenUsage([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	if usage == nil || usage.TotalTokens != 15 {
		t.Fatalf("expected OpenAI usage block to parse, got %+v", usage)
	}

	usage = ExtractTokenUsage([]byte(`{"usage":{"input_tokens":3,"output_tokens":7}}`))
	if usage == nil || usage.TotalTokens != 10 {
		t.Fatalf("expected Anthropic usage block to parse, got %+v", usage)
	}

	if got := ExtractTokenUsage(nil); got != nil {
		t.Errorf("expected nil for empty body, got %+v", got)
	}
}

// newTestProxy wires a Proxy against a real in-memory Store, exercising the
// full pipeline rather than mocking each collaborator.
func newTestProxy(t *testing.T, upstreamBaseURL string) (*Proxy, *storage.Store, string) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	upstream := &storage.Upstream{
		ID:                "up1",
		Name:              "demo",
		BaseURL:           upstreamBaseURL,
		RequestTimeout:    2 * time.Second,
		RetryCount:        0,
		ConnectionPoolCap: 10,
		SelectionStrategy: "round_robin",
		Enabled:           true,
	}
	if err := store.CreateUpstream(t.Context(), upstream); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}

	cred := &storage.Credential{
		ID:         "cred1",
		UpstreamID: upstream.ID,
		Secret:     "sk-test",
		Placement:  storage.PlacementHeader,
		ParamName:  "Authorization",
		Status:     storage.CredentialActive,
		Quota:      storage.Quota{Enabled: true, Total: 100},
	}
	if err := store.CreateCredential(t.Context(), cred); err != nil {
		t.Fatalf("creating credential: %v", err)
	}

	gate := ratelimit.NewGate(ratelimit.NewMemoryLimiter(time.Hour))
	sel := selector.New(store)
	assembler := headers.New(scripthost.New(false))
	ruleEngine := rules.New(store, notifier.New())
	logger := auditlog.New(store, nil)

	p := New(store, gate, sel, assembler, ruleEngine, logger, nil)
	return p, store, upstream.ID
}

func TestServeHTTP_UnknownUpstream(t *testing.T) {
	p, _, _ := newTestProxy(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/proxy/does-not-exist/v1/models", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTP_MalformedPath(t *testing.T) {
	p, _, _ := newTestProxy(t, "http://unused")
	req := httptest.NewRequest(http.MethodGet, "/proxy/", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeHTTP_Success(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "sk-test" {
			t.Errorf("expected credential injected into Authorization header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer backend.Close()

	p, store, upstreamID := newTestProxy(t, backend.URL)
	req := httptest.NewRequest(http.MethodPost, "/proxy/demo/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	logs, err := store.ListRequestLogs(req.Context(), storage.ListRequestLogsOptions{UpstreamID: upstreamID})
	if err != nil {
		t.Fatalf("listing request logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected exactly one request log row, got %d", len(logs))
	}
	if logs[0].TotalTokens != 2 {
		t.Errorf("expected extracted total_tokens=2, got %d", logs[0].TotalTokens)
	}
}

func TestServeHTTP_DispatchFailureChargesUsageAndLogs(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	backend.Close() // closed immediately: every dispatch attempt is a connection error

	p, store, upstreamID := newTestProxy(t, backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/proxy/demo/v1/models", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	cred, err := store.GetCredential(req.Context(), "cred1")
	if err != nil {
		t.Fatalf("fetching credential: %v", err)
	}
	if cred.Quota.Used != 1 {
		t.Errorf("expected a dispatch failure to still charge usage, got quota.used=%d", cred.Quota.Used)
	}

	logs, err := store.ListRequestLogs(req.Context(), storage.ListRequestLogsOptions{UpstreamID: upstreamID})
	if err != nil {
		t.Fatalf("listing request logs: %v", err)
	}
	if len(logs) != 1 || logs[0].ErrorMessage != "transport_error" {
		t.Fatalf("expected a logged transport_error row, got %+v", logs)
	}
}

func TestServeHTTP_DispatchTimeoutIsGatewayTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p, store, _ := newTestProxy(t, backend.URL)

	upstream, err := store.GetUpstreamByName(t.Context(), "demo")
	if err != nil {
		t.Fatalf("fetching upstream: %v", err)
	}
	upstream.RequestTimeout = 5 * time.Millisecond
	if err := store.UpdateUpstream(t.Context(), upstream); err != nil {
		t.Fatalf("updating upstream timeout: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/demo/v1/models", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}

	logs, err := store.ListRequestLogs(req.Context(), storage.ListRequestLogsOptions{UpstreamID: upstream.ID})
	if err != nil {
		t.Fatalf("listing request logs: %v", err)
	}
	if len(logs) != 1 || logs[0].ErrorMessage != "timeout" {
		t.Fatalf("expected a logged timeout row, got %+v", logs)
	}
}

func TestServeHTTP_NoEligibleCredential(t *testing.T) {
	p, store, upstreamID := newTestProxy(t, "http://unused")
	if err := store.UpdateCredentialStatus(t.Context(), "cred1", storage.CredentialBanned, nil); err != nil {
		t.Fatalf("banning credential: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/demo/v1/models", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	logs, err := store.ListRequestLogs(req.Context(), storage.ListRequestLogsOptions{UpstreamID: upstreamID})
	if err != nil {
		t.Fatalf("listing request logs: %v", err)
	}
	if len(logs) != 1 || logs[0].ErrorMessage != "no_eligible_credential" {
		t.Fatalf("expected a logged no_eligible_credential row, got %+v", logs)
	}
}
