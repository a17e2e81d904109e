package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const upstreamColumns = `id, name, base_url, request_timeout_ms, retry_count, connection_pool_cap, log_request_body, log_response_body, rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day, selection_strategy, enabled, created_at, updated_at`

func scanUpstream(row interface{ Scan(...interface{}) error }) (*Upstream, error) {
	var u Upstream
	var timeoutMs int64
	err := row.Scan(&u.ID, &u.Name, &u.BaseURL, &timeoutMs, &u.RetryCount, &u.ConnectionPoolCap,
		&u.LogRequestBody, &u.LogResponseBody, &u.RateLimitPerMinute, &u.RateLimitPerHour, &u.RateLimitPerDay,
		&u.SelectionStrategy, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.RequestTimeout = time.Duration(timeoutMs) * time.Millisecond
	return &u, nil
}

// CreateUpstream inserts a new Upstream row.
func (s *Store) CreateUpstream(ctx context.Context, u *Upstream) error {
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upstreams (`+upstreamColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.BaseURL, u.RequestTimeout.Milliseconds(), u.RetryCount, u.ConnectionPoolCap,
		u.LogRequestBody, u.LogResponseBody, u.RateLimitPerMinute, u.RateLimitPerHour, u.RateLimitPerDay,
		u.SelectionStrategy, u.Enabled, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating upstream: %w", err)
	}
	return nil
}

// GetUpstream fetches an Upstream by id.
func (s *Store) GetUpstream(ctx context.Context, id string) (*Upstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching upstream: %w", err)
	}
	return u, nil
}

// GetUpstreamByName fetches an Upstream by its unique name, used by the
// proxy's routing step.
func (s *Store) GetUpstreamByName(ctx context.Context, name string) (*Upstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE name = ?`, name)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching upstream by name: %w", err)
	}
	return u, nil
}

// ListUpstreams returns all configured upstreams.
func (s *Store) ListUpstreams(ctx context.Context) ([]Upstream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing upstreams: %w", err)
	}
	defer rows.Close()

	var out []Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upstream: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UpdateUpstream overwrites all mutable fields of an existing Upstream.
func (s *Store) UpdateUpstream(ctx context.Context, u *Upstream) error {
	u.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE upstreams SET name=?, base_url=?, request_timeout_ms=?, retry_count=?,
			connection_pool_cap=?, log_request_body=?, log_response_body=?,
			rate_limit_per_minute=?, rate_limit_per_hour=?, rate_limit_per_day=?, selection_strategy=?, enabled=?, updated_at=?
		WHERE id=?`,
		u.Name, u.BaseURL, u.RequestTimeout.Milliseconds(), u.RetryCount, u.ConnectionPoolCap,
		u.LogRequestBody, u.LogResponseBody, u.RateLimitPerMinute, u.RateLimitPerHour, u.RateLimitPerDay,
		u.SelectionStrategy, u.Enabled, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating upstream: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUpstream deletes an Upstream and, via ON DELETE CASCADE, all of its
// credentials, header configs, and rules (invariant 1). Request logs are
// append-only history and are intentionally not cascaded.
func (s *Store) DeleteUpstream(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upstreams WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting upstream: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
