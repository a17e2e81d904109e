package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const ruleColumns = `id, upstream_id, name, conditions, actions, auto_enable_delay_ms,
	trigger_threshold, time_window_ms, cooldown_seconds, priority, enabled, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*Rule, error) {
	var r Rule
	var actionsStr string
	var autoEnableDelayMs, timeWindowMs int64
	err := row.Scan(&r.ID, &r.UpstreamID, &r.Name, &r.Conditions, &actionsStr, &autoEnableDelayMs,
		&r.TriggerThreshold, &timeWindowMs, &r.CooldownSeconds, &r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.AutoEnableDelay = time.Duration(autoEnableDelayMs) * time.Millisecond
	r.TimeWindow = time.Duration(timeWindowMs) * time.Millisecond
	if err := json.Unmarshal([]byte(actionsStr), &r.Actions); err != nil {
		return nil, fmt.Errorf("decoding rule actions: %w", err)
	}
	return &r, nil
}

func encodeActions(actions []RuleAction) (string, error) {
	b, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateRule inserts a new Rule row.
func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.TriggerThreshold < 1 {
		r.TriggerThreshold = 1
	}
	actionsStr, err := encodeActions(r.Actions)
	if err != nil {
		return fmt.Errorf("encoding rule actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UpstreamID, r.Name, r.Conditions, actionsStr, r.AutoEnableDelay.Milliseconds(),
		r.TriggerThreshold, r.TimeWindow.Milliseconds(), r.CooldownSeconds, r.Priority, r.Enabled,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	return nil
}

// GetRule fetches a Rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching rule: %w", err)
	}
	return r, nil
}

// ListEnabledRules returns an upstream's enabled rules ordered by descending
// priority, the order the RuleEngine evaluates them in.
func (s *Store) ListEnabledRules(ctx context.Context, upstreamID string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE upstream_id = ? AND enabled = 1 ORDER BY priority DESC, id ASC`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListRulesByUpstream returns all rules, enabled or not, for the admin surface.
func (s *Store) ListRulesByUpstream(ctx context.Context, upstreamID string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE upstream_id = ? ORDER BY priority DESC, id ASC`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRule overwrites a Rule's mutable fields.
func (s *Store) UpdateRule(ctx context.Context, r *Rule) error {
	r.UpdatedAt = time.Now()
	actionsStr, err := encodeActions(r.Actions)
	if err != nil {
		return fmt.Errorf("encoding rule actions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET name=?, conditions=?, actions=?, auto_enable_delay_ms=?,
			trigger_threshold=?, time_window_ms=?, cooldown_seconds=?, priority=?, enabled=?, updated_at=?
		WHERE id=?`,
		r.Name, r.Conditions, actionsStr, r.AutoEnableDelay.Milliseconds(), r.TriggerThreshold,
		r.TimeWindow.Milliseconds(), r.CooldownSeconds, r.Priority, r.Enabled, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a Rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasAction reports whether a rule's action set includes the given action.
func (r *Rule) HasAction(a RuleAction) bool {
	for _, existing := range r.Actions {
		if existing == a {
			return true
		}
	}
	return false
}

// ActionsString renders the action set for log/debug output.
func (r *Rule) ActionsString() string {
	parts := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}
