// Package storage provides persistent access to upstreams, credentials,
// header configs, rules, and request logs backed by SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a fetch-by-id finds no row.
var ErrNotFound = errors.New("storage: not found")

// Store is a typed wrapper over the relational schema backing the gateway's
// domain entities. All operations are safe under concurrent callers. No
// method opens a transaction, and no caller wraps a multi-row mutation in
// one: each method's statements run directly on the connection pool.
type Store struct {
	db *sql.DB
}

// Open creates a Store backed by the SQLite file at path, running schema
// migration if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("storage initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS upstreams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL,
		request_timeout_ms INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		connection_pool_cap INTEGER NOT NULL DEFAULT 10,
		log_request_body INTEGER NOT NULL DEFAULT 0,
		log_response_body INTEGER NOT NULL DEFAULT 0,
		rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
		rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
		rate_limit_per_day INTEGER NOT NULL DEFAULT 0,
		selection_strategy TEXT NOT NULL DEFAULT 'round_robin',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		upstream_id TEXT NOT NULL REFERENCES upstreams(id) ON DELETE CASCADE,
		secret TEXT NOT NULL,
		placement TEXT NOT NULL,
		param_name TEXT NOT NULL,
		value_prefix TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		quota_enabled INTEGER NOT NULL DEFAULT 0,
		quota_total INTEGER NOT NULL DEFAULT 0,
		quota_used INTEGER NOT NULL DEFAULT 0,
		quota_reset_at DATETIME,
		auto_disable_on_failure INTEGER NOT NULL DEFAULT 0,
		auto_enable_delay_ms INTEGER NOT NULL DEFAULT 0,
		auto_enable_at DATETIME,
		last_used_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credentials_upstream ON credentials(upstream_id);
	CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(upstream_id, status);
	CREATE INDEX IF NOT EXISTS idx_credentials_auto_enable ON credentials(status, auto_enable_at);
	CREATE INDEX IF NOT EXISTS idx_credentials_quota_reset ON credentials(quota_enabled, quota_reset_at);

	CREATE TABLE IF NOT EXISTS header_configs (
		id TEXT PRIMARY KEY,
		upstream_id TEXT NOT NULL REFERENCES upstreams(id) ON DELETE CASCADE,
		header_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		static_value TEXT NOT NULL DEFAULT '',
		script_source TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 500,
		fallback TEXT NOT NULL DEFAULT 'use_default',
		fallback_value TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_header_configs_upstream ON header_configs(upstream_id, enabled, priority);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		upstream_id TEXT NOT NULL REFERENCES upstreams(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		conditions TEXT NOT NULL,
		actions TEXT NOT NULL,
		auto_enable_delay_ms INTEGER NOT NULL DEFAULT 0,
		trigger_threshold INTEGER NOT NULL DEFAULT 1,
		time_window_ms INTEGER NOT NULL DEFAULT 0,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_upstream ON rules(upstream_id, enabled, priority);

	CREATE TABLE IF NOT EXISTS request_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		upstream_id TEXT NOT NULL,
		credential_id TEXT,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		request_headers TEXT NOT NULL DEFAULT '',
		request_body TEXT NOT NULL DEFAULT '',
		response_headers TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		client_ip TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		triggered_rules TEXT NOT NULL DEFAULT '[]',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		tool_calls TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_request_logs_upstream ON request_logs(upstream_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
