package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const credentialColumns = `id, upstream_id, secret, placement, param_name, value_prefix, status,
	quota_enabled, quota_total, quota_used, quota_reset_at, auto_disable_on_failure,
	auto_enable_delay_ms, auto_enable_at, last_used_at, created_at, updated_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*Credential, error) {
	var c Credential
	var resetAt sql.NullTime
	var autoEnableAt, lastUsedAt sql.NullTime
	var autoEnableDelayMs int64
	err := row.Scan(&c.ID, &c.UpstreamID, &c.Secret, &c.Placement, &c.ParamName, &c.ValuePrefix, &c.Status,
		&c.Quota.Enabled, &c.Quota.Total, &c.Quota.Used, &resetAt, &c.AutoDisableOnFailure,
		&autoEnableDelayMs, &autoEnableAt, &lastUsedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resetAt.Valid {
		c.Quota.ResetAt = resetAt.Time
	}
	c.AutoEnableDelay = time.Duration(autoEnableDelayMs) * time.Millisecond
	if autoEnableAt.Valid {
		t := autoEnableAt.Time
		c.AutoEnableAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

// CreateCredential inserts a new Credential row.
func (s *Store) CreateCredential(ctx context.Context, c *Credential) error {
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Status == "" {
		c.Status = CredentialActive
	}
	var resetAt interface{}
	if !c.Quota.ResetAt.IsZero() {
		resetAt = c.Quota.ResetAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UpstreamID, c.Secret, c.Placement, c.ParamName, c.ValuePrefix, c.Status,
		c.Quota.Enabled, c.Quota.Total, c.Quota.Used, resetAt, c.AutoDisableOnFailure,
		c.AutoEnableDelay.Milliseconds(), c.AutoEnableAt, c.LastUsedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}
	return nil
}

// GetCredential fetches a Credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching credential: %w", err)
	}
	return c, nil
}

// ListCredentialsByUpstream returns every credential owned by an upstream.
func (s *Store) ListCredentialsByUpstream(ctx context.Context, upstreamID string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE upstream_id = ? ORDER BY id`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()
	return collectCredentials(rows)
}

// ListEligibleCredentials returns credentials matching `upstream_id AND
// status=active` for the KeySelector; quota eligibility (invariant 2) is
// further narrowed in-process since it depends on "now".
func (s *Store) ListEligibleCredentials(ctx context.Context, upstreamID string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE upstream_id = ? AND status = ? ORDER BY id`, upstreamID, CredentialActive)
	if err != nil {
		return nil, fmt.Errorf("listing eligible credentials: %w", err)
	}
	defer rows.Close()

	all, err := collectCredentials(rows)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	eligible := all[:0]
	for _, c := range all {
		if c.IsEligible(now) {
			eligible = append(eligible, c)
		}
	}
	return eligible, nil
}

func collectCredentials(rows *sql.Rows) ([]Credential, error) {
	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCredentialStatus performs the status transition used by the
// RuleEngine and the Reconciler, optionally clearing or setting
// auto_enable_at in the same statement.
func (s *Store) UpdateCredentialStatus(ctx context.Context, id string, status CredentialStatus, autoEnableAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET status=?, auto_enable_at=?, updated_at=? WHERE id=?`,
		status, autoEnableAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("updating credential status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementResult reports the outcome of a compare-and-set usage increment.
type IncrementResult struct {
	Applied           bool // the row's quota_used was actually incremented
	QuotaExceeded     bool // the increment pushed used to or past total
	AutoDisableNeeded bool // exceeded AND auto_disable_on_failure is set
	AutoEnableDelay   time.Duration
}

// IncrementCredentialUsage applies KeySelector.increment_usage: if quota is
// enabled, atomically increments quota_used and stamps last_used_at via a
// single `UPDATE ... WHERE used < total` compare-and-set, so two concurrent
// callers cannot both observe used = total-1 and admit (invariant 3's
// monotonic, race-free counter). If quota is disabled, only last_used_at is
// stamped.
func (s *Store) IncrementCredentialUsage(ctx context.Context, id string) (IncrementResult, error) {
	var result IncrementResult

	c, err := s.GetCredential(ctx, id)
	if err != nil {
		return result, err
	}
	now := time.Now()

	if !c.Quota.Enabled {
		_, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used_at=?, updated_at=? WHERE id=?`, now, now, id)
		if err != nil {
			return result, fmt.Errorf("stamping last_used_at: %w", err)
		}
		return result, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET quota_used = quota_used + 1, last_used_at=?, updated_at=?
		WHERE id=? AND quota_used < quota_total`, now, now, id)
	if err != nil {
		return result, fmt.Errorf("incrementing quota usage: %w", err)
	}
	n, _ := res.RowsAffected()
	result.Applied = n > 0

	fresh, err := s.GetCredential(ctx, id)
	if err != nil {
		return result, err
	}
	if fresh.Quota.Used >= fresh.Quota.Total {
		result.QuotaExceeded = true
		if fresh.AutoDisableOnFailure {
			result.AutoDisableNeeded = true
			result.AutoEnableDelay = fresh.AutoEnableDelay
		}
	}
	return result, nil
}

// ListCredentialsDueForAutoEnable returns disabled credentials whose
// auto_enable_at deadline has passed, for the Reconciler's auto-enable sweep.
func (s *Store) ListCredentialsDueForAutoEnable(ctx context.Context, now time.Time) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE status = ? AND auto_enable_at IS NOT NULL AND auto_enable_at <= ?`, CredentialDisabled, now)
	if err != nil {
		return nil, fmt.Errorf("listing auto-enable candidates: %w", err)
	}
	defer rows.Close()
	return collectCredentials(rows)
}

// AutoEnableCredential transitions a disabled credential back to active,
// clears auto_enable_at, and resets quota_used to 0, per the Reconciler's
// auto-enable sweep semantics.
func (s *Store) AutoEnableCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET status=?, auto_enable_at=NULL, quota_used=0, updated_at=?
		WHERE id=?`, CredentialActive, time.Now(), id)
	if err != nil {
		return fmt.Errorf("auto-enabling credential: %w", err)
	}
	return nil
}

// ResetDueQuotas resets quota_used to 0 and advances quota_reset_at by 24h
// for every quota-enabled credential whose reset deadline has passed,
// returning the number of rows affected, for the Reconciler's daily reset.
func (s *Store) ResetDueQuotas(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET quota_used=0, quota_reset_at=?, updated_at=?
		WHERE quota_enabled = 1 AND quota_reset_at <= ?`,
		now.Add(24*time.Hour), now, now)
	if err != nil {
		return 0, fmt.Errorf("resetting due quotas: %w", err)
	}
	return res.RowsAffected()
}

// CredentialCount is one (upstream name, status) group count, for the
// credential pool size gauge.
type CredentialCount struct {
	Upstream string
	Status   CredentialStatus
	Count    int64
}

// CountCredentialsByUpstreamStatus groups every credential by its owning
// upstream's name and status, for the Reconciler's gauge-refresh task.
func (s *Store) CountCredentialsByUpstreamStatus(ctx context.Context) ([]CredentialCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.name, c.status, COUNT(*)
		FROM credentials c JOIN upstreams u ON u.id = c.upstream_id
		GROUP BY u.name, c.status`)
	if err != nil {
		return nil, fmt.Errorf("counting credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialCount
	for rows.Next() {
		var cc CredentialCount
		if err := rows.Scan(&cc.Upstream, &cc.Status, &cc.Count); err != nil {
			return nil, fmt.Errorf("scanning credential count: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential. Admin-only per the data model.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
