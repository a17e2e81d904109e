package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shineme/aiproxy/internal/storage"
)

func newTestHandler(t *testing.T) (*Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, false, "", nil), store
}

func TestUpstreamCRUD(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"name":"openai","base_url":"https://api.openai.com","request_timeout_ms":30000,"retry_count":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/upstreams", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created storage.Upstream
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.SelectionStrategy != "round_robin" {
		t.Errorf("expected default selection strategy, got %q", created.SelectionStrategy)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/admin/upstreams/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/admin/upstreams/"+created.ID, nil)
	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}
}

func TestCredentialCreateRedactsSecret(t *testing.T) {
	h, store := newTestHandler(t)
	if err := store.CreateUpstream(t.Context(), &storage.Upstream{ID: "up1", Name: "demo", BaseURL: "http://x", Enabled: true}); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}

	body := `{"upstream_id":"up1","secret":"sk-supersecretvalue","placement":"header","param_name":"Authorization"}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/credentials", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-supersecretvalue") {
		t.Errorf("expected secret to be redacted in response, got %s", rec.Body.String())
	}
}

func TestCredentialImportJSON(t *testing.T) {
	h, store := newTestHandler(t)
	if err := store.CreateUpstream(t.Context(), &storage.Upstream{ID: "up1", Name: "demo", BaseURL: "http://x", Enabled: true}); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}

	body := `{"upstream_id":"up1","keys":["sk-a","sk-b","sk-c"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/credentials/import", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result importResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.SuccessCount != 3 || result.FailedCount != 0 {
		t.Fatalf("expected 3 successes, got %+v", result)
	}
}

func TestCredentialImportCSV(t *testing.T) {
	h, store := newTestHandler(t)
	if err := store.CreateUpstream(t.Context(), &storage.Upstream{ID: "up1", Name: "demo", BaseURL: "http://x", Enabled: true}); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}

	var buf bytes.Buffer
	buf.WriteString("upstream_id,name,key_value,location,param_name,value_prefix,enable_quota,quota_total\n")
	buf.WriteString("up1,k1,sk-a,header,Authorization,Bearer ,true,1000\n")
	buf.WriteString(",k2,,header,Authorization,,false,0\n") // malformed: missing upstream_id/key_value

	req := httptest.NewRequest(http.MethodPost, "/api/admin/credentials/import", &buf)
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result importResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.SuccessCount != 1 || result.FailedCount != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %+v", result)
	}
}

func TestAuthRequired(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()
	h := New(store, true, "secret-token", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/upstreams", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/admin/upstreams", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid auth, got %d", rec2.Code)
	}
}
