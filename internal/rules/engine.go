package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineme/aiproxy/internal/storage"
)

// Store is the subset of storage.Store the RuleEngine depends on.
type Store interface {
	ListEnabledRules(ctx context.Context, upstreamID string) ([]storage.Rule, error)
	UpdateCredentialStatus(ctx context.Context, id string, status storage.CredentialStatus, autoEnableAt *time.Time) error
}

// Notifier delivers rule-triggered alerts to an external collaborator.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]interface{}) error
}

type thresholdCounter struct {
	count     int
	expiresAt time.Time
}

// Engine evaluates rules against proxy responses and executes their actions.
// Cooldown timestamps and threshold counters are process-scoped in-memory
// state, acceptable because every hard invariant (credential status) is
// persisted; they are lost on restart.
type Engine struct {
	store    Store
	notifier Notifier

	mu         sync.Mutex
	lastFired  map[string]time.Time
	thresholds map[string]*thresholdCounter
}

// New creates a RuleEngine backed by store, delivering alerts via notifier.
func New(store Store, notifier Notifier) *Engine {
	return &Engine{
		store:      store,
		notifier:   notifier,
		lastFired:  make(map[string]time.Time),
		thresholds: make(map[string]*thresholdCounter),
	}
}

// Evaluate fetches the upstream's enabled rules in descending-priority order
// and, for each, applies cooldown gating, predicate evaluation, and
// threshold counting before firing its action set. It returns the IDs of
// rules that fired, for the RequestLog's triggered_rules field. Predicate
// and action failures are contained here and never propagate to the caller,
// per §7: a broken rule must not fail the outbound response.
func (e *Engine) Evaluate(ctx context.Context, upstreamID, credentialID string, resp Response) []string {
	rules, err := e.store.ListEnabledRules(ctx, upstreamID)
	if err != nil {
		slog.Error("rules: failed to load enabled rules", "upstream_id", upstreamID, "error", err)
		return nil
	}

	var triggered []string
	for _, rule := range rules {
		fired, err := e.evaluateOne(ctx, rule, credentialID, resp)
		if err != nil {
			slog.Error("rules: evaluating rule failed, skipping", "rule_id", rule.ID, "error", err)
			continue
		}
		if fired {
			triggered = append(triggered, rule.ID)
		}
	}
	return triggered
}

func (e *Engine) evaluateOne(ctx context.Context, rule storage.Rule, credentialID string, resp Response) (bool, error) {
	key := rule.ID + ":" + credentialID

	if e.inCooldown(key, rule.CooldownSeconds) {
		return false, nil
	}

	cond, err := ParseConditions(rule.Conditions)
	if err != nil {
		// A single broken predicate yields false, not an error that halts
		// evaluation of the remaining rules.
		return false, nil
	}
	if !Evaluate(cond, resp) {
		return false, nil
	}

	if rule.TriggerThreshold > 1 {
		reached := e.countTowardThreshold(key, rule.TriggerThreshold, rule.TimeWindow)
		if !reached {
			return false, nil
		}
	}

	e.markFired(key)
	e.execute(ctx, rule, credentialID)
	return true, nil
}

func (e *Engine) inCooldown(key string, cooldownSeconds int) bool {
	if cooldownSeconds <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastFired[key]
	if !ok {
		return false
	}
	return time.Since(last) < time.Duration(cooldownSeconds)*time.Second
}

func (e *Engine) markFired(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFired[key] = time.Now()
}

// countTowardThreshold implements the resolved semantics for what was a
// stub that always returned true: increments an in-memory counter keyed by
// (rule, credential) with an expiry of time_window_seconds, firing only
// once the count reaches trigger_threshold, then resetting the counter.
func (e *Engine) countTowardThreshold(key string, threshold int, window time.Duration) bool {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	counter, ok := e.thresholds[key]
	if !ok || now.After(counter.expiresAt) {
		counter = &thresholdCounter{expiresAt: now.Add(window)}
		e.thresholds[key] = counter
	}
	counter.count++
	if counter.count >= threshold {
		delete(e.thresholds, key)
		return true
	}
	return false
}

func (e *Engine) execute(ctx context.Context, rule storage.Rule, credentialID string) {
	for _, action := range rule.Actions {
		if err := e.executeAction(ctx, rule, action, credentialID); err != nil {
			slog.Error("rules: action execution failed", "rule_id", rule.ID, "action", action, "error", err)
		}
	}
}

func (e *Engine) executeAction(ctx context.Context, rule storage.Rule, action storage.RuleAction, credentialID string) error {
	switch action {
	case storage.ActionDisableCredential:
		var at *time.Time
		if rule.AutoEnableDelay > 0 {
			t := time.Now().Add(rule.AutoEnableDelay)
			at = &t
		}
		if err := e.store.UpdateCredentialStatus(ctx, credentialID, storage.CredentialDisabled, at); err != nil {
			return fmt.Errorf("disabling credential: %w", err)
		}
		return e.alert(ctx, "credential_disabled", rule, credentialID)

	case storage.ActionBanCredential:
		if err := e.store.UpdateCredentialStatus(ctx, credentialID, storage.CredentialBanned, nil); err != nil {
			return fmt.Errorf("banning credential: %w", err)
		}
		return e.alert(ctx, "credential_banned", rule, credentialID)

	case storage.ActionAlert:
		return e.alert(ctx, "rule_triggered", rule, credentialID)

	case storage.ActionLog:
		slog.Info("rules: rule fired", "rule_id", rule.ID, "rule_name", rule.Name, "credential_id", credentialID)
		return nil

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (e *Engine) alert(ctx context.Context, eventType string, rule storage.Rule, credentialID string) error {
	if e.notifier == nil {
		return nil
	}
	return e.notifier.Notify(ctx, eventType, map[string]interface{}{
		"rule_id":       rule.ID,
		"rule_name":     rule.Name,
		"upstream_id":   rule.UpstreamID,
		"credential_id": credentialID,
	})
}
