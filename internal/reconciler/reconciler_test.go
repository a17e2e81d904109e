package reconciler

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineme/aiproxy/internal/metrics"
	"github.com/shineme/aiproxy/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	upstream := &storage.Upstream{ID: "up1", Name: "demo", BaseURL: "http://unused", Enabled: true}
	if err := store.CreateUpstream(t.Context(), upstream); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}
	return store
}

func TestResetQuotas(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	cred := &storage.Credential{
		ID: "cred1", UpstreamID: "up1", Secret: "sk", Placement: storage.PlacementHeader,
		ParamName: "Authorization", Status: storage.CredentialActive,
		Quota: storage.Quota{Enabled: true, Total: 100, Used: 100, ResetAt: past},
	}
	if err := store.CreateCredential(t.Context(), cred); err != nil {
		t.Fatalf("creating credential: %v", err)
	}

	r := New(store, 30*24*time.Hour)
	n, err := r.resetQuotas(t.Context())
	if err != nil {
		t.Fatalf("resetQuotas: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}

	fresh, err := store.GetCredential(t.Context(), "cred1")
	if err != nil {
		t.Fatalf("fetching credential: %v", err)
	}
	if fresh.Quota.Used != 0 {
		t.Errorf("expected quota_used reset to 0, got %d", fresh.Quota.Used)
	}
}

func TestAutoEnableSweep(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().Add(-time.Minute)
	cred := &storage.Credential{
		ID: "cred1", UpstreamID: "up1", Secret: "sk", Placement: storage.PlacementHeader,
		ParamName: "Authorization", Status: storage.CredentialDisabled,
		AutoEnableAt: &past,
	}
	if err := store.CreateCredential(t.Context(), cred); err != nil {
		t.Fatalf("creating credential: %v", err)
	}

	r := New(store, 30*24*time.Hour)
	n, err := r.autoEnableSweep(t.Context())
	if err != nil {
		t.Fatalf("autoEnableSweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 credential auto-enabled, got %d", n)
	}

	fresh, err := store.GetCredential(t.Context(), "cred1")
	if err != nil {
		t.Fatalf("fetching credential: %v", err)
	}
	if fresh.Status != storage.CredentialActive {
		t.Errorf("expected status active, got %s", fresh.Status)
	}
	if fresh.AutoEnableAt != nil {
		t.Errorf("expected auto_enable_at cleared, got %v", fresh.AutoEnableAt)
	}

	// Idempotent: a second sweep finds nothing due.
	n, err = r.autoEnableSweep(t.Context())
	if err != nil {
		t.Fatalf("second autoEnableSweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d", n)
	}
}

func TestPruneLogs(t *testing.T) {
	store := newTestStore(t)
	old := &storage.RequestLog{UpstreamID: "up1", Method: "GET", Path: "/v1/models", StatusCode: 200, CreatedAt: time.Now().Add(-48 * time.Hour)}
	recent := &storage.RequestLog{UpstreamID: "up1", Method: "GET", Path: "/v1/models", StatusCode: 200, CreatedAt: time.Now()}
	if err := store.InsertRequestLog(t.Context(), old); err != nil {
		t.Fatalf("inserting old log: %v", err)
	}
	if err := store.InsertRequestLog(t.Context(), recent); err != nil {
		t.Fatalf("inserting recent log: %v", err)
	}

	r := New(store, 24*time.Hour)
	n, err := r.pruneLogs(t.Context())
	if err != nil {
		t.Fatalf("pruneLogs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row pruned, got %d", n)
	}

	logs, err := store.ListRequestLogs(t.Context(), storage.ListRequestLogsOptions{UpstreamID: "up1"})
	if err != nil {
		t.Fatalf("listing logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 surviving row, got %d", len(logs))
	}
}

func TestRefreshGauges(t *testing.T) {
	store := newTestStore(t)
	active := &storage.Credential{ID: "cred1", UpstreamID: "up1", Secret: "sk", Placement: storage.PlacementHeader, ParamName: "Authorization", Status: storage.CredentialActive}
	disabled := &storage.Credential{ID: "cred2", UpstreamID: "up1", Secret: "sk2", Placement: storage.PlacementHeader, ParamName: "Authorization", Status: storage.CredentialDisabled}
	if err := store.CreateCredential(t.Context(), active); err != nil {
		t.Fatalf("creating credential: %v", err)
	}
	if err := store.CreateCredential(t.Context(), disabled); err != nil {
		t.Fatalf("creating credential: %v", err)
	}

	r := New(store, 24*time.Hour)
	n, err := r.refreshGauges(t.Context())
	if err != nil {
		t.Fatalf("refreshGauges: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 distinct (upstream, status) groups, got %d", n)
	}

	if got := testutil.ToFloat64(metrics.CredentialPoolSize.WithLabelValues("demo", string(storage.CredentialActive))); got != 1 {
		t.Errorf("expected active gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.CredentialPoolSize.WithLabelValues("demo", string(storage.CredentialDisabled))); got != 1 {
		t.Errorf("expected disabled gauge 1, got %v", got)
	}
}
