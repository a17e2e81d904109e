package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InsertRequestLog appends an immutable audit record for one outbound
// attempt (invariant 5: every attempt produces exactly one row).
func (s *Store) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	triggered, err := json.Marshal(l.TriggeredRules)
	if err != nil {
		return fmt.Errorf("encoding triggered rules: %w", err)
	}
	toolCalls, err := json.Marshal(l.ToolCalls)
	if err != nil {
		return fmt.Errorf("encoding tool calls: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs
		(upstream_id, credential_id, method, path, request_headers, request_body,
		 response_headers, response_body, status_code, latency_ms, client_ip,
		 error_message, triggered_rules, prompt_tokens, completion_tokens, total_tokens,
		 tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.UpstreamID, l.CredentialID, l.Method, l.Path, l.RequestHeaders, l.RequestBody,
		l.ResponseHeaders, l.ResponseBody, l.StatusCode, l.LatencyMs, l.ClientIP,
		l.ErrorMessage, string(triggered), l.PromptTokens, l.CompletionTokens, l.TotalTokens,
		string(toolCalls), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting request log: %w", err)
	}
	if id, idErr := res.LastInsertId(); idErr == nil {
		l.ID = id
	}
	return nil
}

// ListRequestLogsOptions filters the admin read-only log dashboard.
type ListRequestLogsOptions struct {
	UpstreamID string
	Limit      int
	Offset     int
	Since      *time.Time
	Until      *time.Time
	StatusCode int
}

// ListRequestLogs returns request logs matching the given filters, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, opts ListRequestLogsOptions) ([]RequestLog, error) {
	query := `SELECT id, upstream_id, credential_id, method, path, request_headers, request_body,
		response_headers, response_body, status_code, latency_ms, client_ip, error_message,
		triggered_rules, prompt_tokens, completion_tokens, total_tokens, tool_calls, created_at
		FROM request_logs WHERE 1=1`
	var args []interface{}

	if opts.UpstreamID != "" {
		query += " AND upstream_id = ?"
		args = append(args, opts.UpstreamID)
	}
	if opts.StatusCode != 0 {
		query += " AND status_code = ?"
		args = append(args, opts.StatusCode)
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing request logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var l RequestLog
		var triggeredStr, toolCallsStr string
		err := rows.Scan(&l.ID, &l.UpstreamID, &l.CredentialID, &l.Method, &l.Path,
			&l.RequestHeaders, &l.RequestBody, &l.ResponseHeaders, &l.ResponseBody,
			&l.StatusCode, &l.LatencyMs, &l.ClientIP, &l.ErrorMessage, &triggeredStr,
			&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &toolCallsStr, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning request log: %w", err)
		}
		_ = json.Unmarshal([]byte(triggeredStr), &l.TriggeredRules)
		_ = json.Unmarshal([]byte(toolCallsStr), &l.ToolCalls)
		out = append(out, l)
	}
	return out, rows.Err()
}

// PruneLogsOlderThan deletes request logs whose created_at is before cutoff,
// for the Reconciler's log pruning task.
func (s *Store) PruneLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning request logs: %w", err)
	}
	return res.RowsAffected()
}
