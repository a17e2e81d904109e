package rules

import (
	"context"
	"testing"
	"time"

	"github.com/shineme/aiproxy/internal/storage"
)

type fakeRuleStore struct {
	rules          []storage.Rule
	disabledID     string
	disabledAt     *time.Time
	bannedID       string
}

func (f *fakeRuleStore) ListEnabledRules(ctx context.Context, upstreamID string) ([]storage.Rule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) UpdateCredentialStatus(ctx context.Context, id string, status storage.CredentialStatus, autoEnableAt *time.Time) error {
	if status == storage.CredentialBanned {
		f.bannedID = id
		return nil
	}
	f.disabledID = id
	f.disabledAt = autoEnableAt
	return nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, eventType string, payload map[string]interface{}) error {
	f.events = append(f.events, eventType)
	return nil
}

func TestEngineEvaluateFiresDisableAction(t *testing.T) {
	store := &fakeRuleStore{rules: []storage.Rule{{
		ID: "rule1", UpstreamID: "up1", Name: "rate-limited",
		Conditions: `{"type":"status_code","operator":"equals","value":429}`,
		Actions:    []storage.RuleAction{storage.ActionDisableCredential, storage.ActionAlert},
		Enabled:    true,
	}}}
	notifier := &fakeNotifier{}
	engine := New(store, notifier)

	fired := engine.Evaluate(context.Background(), "up1", "cred1", Response{StatusCode: 429})
	if len(fired) != 1 || fired[0] != "rule1" {
		t.Fatalf("expected rule1 to fire, got %v", fired)
	}
	if store.disabledID != "cred1" {
		t.Errorf("expected credential disabled, got %q", store.disabledID)
	}
	if len(notifier.events) != 2 { // credential_disabled + rule_triggered
		t.Errorf("expected 2 notifications, got %v", notifier.events)
	}
}

func TestEngineEvaluateNoMatchDoesNotFire(t *testing.T) {
	store := &fakeRuleStore{rules: []storage.Rule{{
		ID: "rule1", UpstreamID: "up1",
		Conditions: `{"type":"status_code","operator":"equals","value":500}`,
		Actions:    []storage.RuleAction{storage.ActionDisableCredential},
		Enabled:    true,
	}}}
	engine := New(store, &fakeNotifier{})

	fired := engine.Evaluate(context.Background(), "up1", "cred1", Response{StatusCode: 200})
	if len(fired) != 0 {
		t.Errorf("expected no rules to fire, got %v", fired)
	}
	if store.disabledID != "" {
		t.Errorf("expected no status change, got %q", store.disabledID)
	}
}

func TestEngineCooldownSuppressesRefire(t *testing.T) {
	store := &fakeRuleStore{rules: []storage.Rule{{
		ID: "rule1", UpstreamID: "up1",
		Conditions:      `{"type":"status_code","operator":"equals","value":429}`,
		Actions:         []storage.RuleAction{storage.ActionLog},
		CooldownSeconds: 60,
		Enabled:         true,
	}}}
	engine := New(store, &fakeNotifier{})

	first := engine.Evaluate(context.Background(), "up1", "cred1", Response{StatusCode: 429})
	second := engine.Evaluate(context.Background(), "up1", "cred1", Response{StatusCode: 429})
	if len(first) != 1 {
		t.Fatalf("expected first evaluation to fire, got %v", first)
	}
	if len(second) != 0 {
		t.Errorf("expected second evaluation suppressed by cooldown, got %v", second)
	}
}

func TestEngineThresholdRequiresRepeatedHits(t *testing.T) {
	store := &fakeRuleStore{rules: []storage.Rule{{
		ID: "rule1", UpstreamID: "up1",
		Conditions:       `{"type":"status_code","operator":"equals","value":429}`,
		Actions:          []storage.RuleAction{storage.ActionLog},
		TriggerThreshold: 3,
		TimeWindow:       time.Minute,
		Enabled:          true,
	}}}
	engine := New(store, &fakeNotifier{})

	var totalFired int
	for i := 0; i < 3; i++ {
		fired := engine.Evaluate(context.Background(), "up1", "cred1", Response{StatusCode: 429})
		totalFired += len(fired)
	}
	if totalFired != 1 {
		t.Errorf("expected exactly 1 fire across 3 hits reaching threshold 3, got %d", totalFired)
	}
}

func TestEngineMalformedConditionsDoesNotFire(t *testing.T) {
	store := &fakeRuleStore{rules: []storage.Rule{{
		ID: "rule1", UpstreamID: "up1",
		Conditions: `{not valid json`,
		Actions:    []storage.RuleAction{storage.ActionLog},
		Enabled:    true,
	}}}
	engine := New(store, &fakeNotifier{})

	fired := engine.Evaluate(context.Background(), "up1", "cred1", Response{StatusCode: 429})
	if len(fired) != 0 {
		t.Errorf("expected malformed predicate to be skipped, got %v", fired)
	}
}
