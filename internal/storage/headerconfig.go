package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const headerConfigColumns = `id, upstream_id, header_name, kind, static_value, script_source,
	priority, timeout_ms, fallback, fallback_value, enabled, created_at, updated_at`

func scanHeaderConfig(row interface{ Scan(...interface{}) error }) (*HeaderConfig, error) {
	var h HeaderConfig
	var timeoutMs int64
	err := row.Scan(&h.ID, &h.UpstreamID, &h.HeaderName, &h.Kind, &h.StaticValue, &h.ScriptSource,
		&h.Priority, &timeoutMs, &h.Fallback, &h.FallbackValue, &h.Enabled, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &h, nil
}

// CreateHeaderConfig inserts a new HeaderConfig row.
func (s *Store) CreateHeaderConfig(ctx context.Context, h *HeaderConfig) error {
	now := time.Now()
	h.CreatedAt, h.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO header_configs (`+headerConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UpstreamID, h.HeaderName, h.Kind, h.StaticValue, h.ScriptSource,
		h.Priority, h.Timeout.Milliseconds(), h.Fallback, h.FallbackValue, h.Enabled, h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating header config: %w", err)
	}
	return nil
}

// GetHeaderConfig fetches a HeaderConfig by id.
func (s *Store) GetHeaderConfig(ctx context.Context, id string) (*HeaderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+headerConfigColumns+` FROM header_configs WHERE id = ?`, id)
	h, err := scanHeaderConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching header config: %w", err)
	}
	return h, nil
}

// ListEnabledHeaderConfigs returns an upstream's enabled HeaderConfigs in
// ascending priority order, matching the HeaderAssembler's application order
// (higher priority overwrites, so it must be applied last).
func (s *Store) ListEnabledHeaderConfigs(ctx context.Context, upstreamID string) ([]HeaderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+headerConfigColumns+` FROM header_configs
		WHERE upstream_id = ? AND enabled = 1 ORDER BY priority ASC, id ASC`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("listing header configs: %w", err)
	}
	defer rows.Close()

	var out []HeaderConfig
	for rows.Next() {
		h, err := scanHeaderConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning header config: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// ListHeaderConfigsByUpstream returns all HeaderConfigs, enabled or not, for
// the admin surface.
func (s *Store) ListHeaderConfigsByUpstream(ctx context.Context, upstreamID string) ([]HeaderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+headerConfigColumns+` FROM header_configs
		WHERE upstream_id = ? ORDER BY priority ASC, id ASC`, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("listing header configs: %w", err)
	}
	defer rows.Close()

	var out []HeaderConfig
	for rows.Next() {
		h, err := scanHeaderConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning header config: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// UpdateHeaderConfig overwrites a HeaderConfig's mutable fields.
func (s *Store) UpdateHeaderConfig(ctx context.Context, h *HeaderConfig) error {
	h.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE header_configs SET header_name=?, kind=?, static_value=?, script_source=?,
			priority=?, timeout_ms=?, fallback=?, fallback_value=?, enabled=?, updated_at=?
		WHERE id=?`,
		h.HeaderName, h.Kind, h.StaticValue, h.ScriptSource, h.Priority, h.Timeout.Milliseconds(),
		h.Fallback, h.FallbackValue, h.Enabled, h.UpdatedAt, h.ID,
	)
	if err != nil {
		return fmt.Errorf("updating header config: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteHeaderConfig removes a HeaderConfig.
func (s *Store) DeleteHeaderConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM header_configs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting header config: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
