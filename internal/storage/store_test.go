package storage

import (
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpstreamCRUD(t *testing.T) {
	s := newTestDB(t)
	up := &Upstream{
		ID: "up1", Name: "openai", BaseURL: "https://api.openai.com",
		RequestTimeout: 30 * time.Second, RetryCount: 2, ConnectionPoolCap: 10,
		SelectionStrategy: "round_robin", Enabled: true,
	}
	if err := s.CreateUpstream(t.Context(), up); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}

	got, err := s.GetUpstreamByName(t.Context(), "openai")
	if err != nil {
		t.Fatalf("fetching by name: %v", err)
	}
	if got.ID != "up1" || got.RequestTimeout != 30*time.Second {
		t.Errorf("unexpected upstream: %+v", got)
	}

	if _, err := s.GetUpstream(t.Context(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListUpstreams(t.Context())
	if err != nil {
		t.Fatalf("listing upstreams: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 upstream, got %d", len(list))
	}

	if err := s.DeleteUpstream(t.Context(), "up1"); err != nil {
		t.Fatalf("deleting upstream: %v", err)
	}
	if err := s.DeleteUpstream(t.Context(), "up1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCredentialEligibility(t *testing.T) {
	s := newTestDB(t)
	up := &Upstream{ID: "up1", Name: "openai", BaseURL: "https://api.openai.com", Enabled: true}
	if err := s.CreateUpstream(t.Context(), up); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}

	exhausted := &Credential{
		ID: "cred-exhausted", UpstreamID: "up1", Secret: "sk-a", Placement: PlacementHeader,
		ParamName: "Authorization", Status: CredentialActive,
		Quota: Quota{Enabled: true, Total: 10, Used: 10, ResetAt: time.Now().Add(time.Hour)},
	}
	fresh := &Credential{
		ID: "cred-fresh", UpstreamID: "up1", Secret: "sk-b", Placement: PlacementHeader,
		ParamName: "Authorization", Status: CredentialActive,
	}
	disabled := &Credential{
		ID: "cred-disabled", UpstreamID: "up1", Secret: "sk-c", Placement: PlacementHeader,
		ParamName: "Authorization", Status: CredentialDisabled,
	}
	for _, c := range []*Credential{exhausted, fresh, disabled} {
		if err := s.CreateCredential(t.Context(), c); err != nil {
			t.Fatalf("creating credential %s: %v", c.ID, err)
		}
	}

	eligible, err := s.ListEligibleCredentials(t.Context(), "up1")
	if err != nil {
		t.Fatalf("listing eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != "cred-fresh" {
		t.Errorf("expected only cred-fresh eligible, got %+v", eligible)
	}

	counts, err := s.CountCredentialsByUpstreamStatus(t.Context())
	if err != nil {
		t.Fatalf("counting credentials: %v", err)
	}
	byStatus := map[CredentialStatus]int64{}
	for _, c := range counts {
		if c.Upstream != "openai" {
			t.Errorf("unexpected upstream name %q", c.Upstream)
		}
		byStatus[c.Status] += c.Count
	}
	if byStatus[CredentialActive] != 2 || byStatus[CredentialDisabled] != 1 {
		t.Errorf("unexpected status counts: %+v", byStatus)
	}
}

func TestIncrementCredentialUsage(t *testing.T) {
	s := newTestDB(t)
	up := &Upstream{ID: "up1", Name: "openai", BaseURL: "https://api.openai.com", Enabled: true}
	if err := s.CreateUpstream(t.Context(), up); err != nil {
		t.Fatalf("creating upstream: %v", err)
	}
	cred := &Credential{
		ID: "cred1", UpstreamID: "up1", Secret: "sk-a", Placement: PlacementHeader,
		ParamName: "Authorization", Status: CredentialActive, AutoDisableOnFailure: true,
		Quota: Quota{Enabled: true, Total: 1, Used: 0},
	}
	if err := s.CreateCredential(t.Context(), cred); err != nil {
		t.Fatalf("creating credential: %v", err)
	}

	result, err := s.IncrementCredentialUsage(t.Context(), "cred1")
	if err != nil {
		t.Fatalf("incrementing usage: %v", err)
	}
	if !result.Applied || !result.QuotaExceeded || !result.AutoDisableNeeded {
		t.Errorf("unexpected increment result: %+v", result)
	}
}
