// Package auditlog implements the Logger component: synchronously appending
// a RequestLog row for every outbound attempt, gating body capture on the
// owning upstream's flags and redacting credential secrets before the
// record is persisted.
package auditlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shineme/aiproxy/internal/redaction"
	"github.com/shineme/aiproxy/internal/storage"
)

// Store is the subset of storage.Store the Logger depends on.
type Store interface {
	InsertRequestLog(ctx context.Context, l *storage.RequestLog) error
}

// Logger appends RequestLog rows.
type Logger struct {
	store    Store
	redactor *redaction.SecretRedactor
}

// New creates a Logger backed by store. Callers that select a credential for
// outbound use should pass its secret to TrackSecret, so Log does not write a
// credential's raw secret value into a RequestLog row even when the secret's
// shape doesn't match any pattern in the PatternRedactor. Secrets shorter
// than 8 bytes are not tracked and are not blanked.
func New(store Store, redactor *redaction.SecretRedactor) *Logger {
	if redactor == nil {
		redactor = redaction.NewSecretRedactor()
	}
	return &Logger{store: store, redactor: redactor}
}

// TrackSecret registers a credential secret value for exact-match blanking
// in every row Log persists from here on.
func (l *Logger) TrackSecret(secret string) {
	l.redactor.TrackSecret(secret)
}

// Entry describes one outbound attempt to be logged.
type Entry struct {
	Upstream        storage.Upstream
	CredentialID    *string
	Method          string
	Path            string
	RequestHeaders  http.Header
	RequestBody     []byte
	ResponseHeaders http.Header
	ResponseBody    []byte
	StatusCode      int
	Latency         time.Duration
	ClientIP        string
	ErrorMessage    string
	TriggeredRules  []string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	ToolCalls        []string
}

// Log appends a RequestLog row for entry, gating body capture on the
// upstream's log_request_body/log_response_body flags. On a persistence
// failure the error is logged to the operator channel but not returned as
// a pipeline failure: the proxy response must never block on log durability
// (best-effort durability per §4.G).
func (l *Logger) Log(ctx context.Context, entry Entry) {
	row := &storage.RequestLog{
		UpstreamID:     entry.Upstream.ID,
		CredentialID:   entry.CredentialID,
		Method:         entry.Method,
		Path:           entry.Path,
		StatusCode:     entry.StatusCode,
		LatencyMs:      entry.Latency.Milliseconds(),
		ClientIP:       entry.ClientIP,
		ErrorMessage:     entry.ErrorMessage,
		TriggeredRules:   entry.TriggeredRules,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		TotalTokens:      entry.TotalTokens,
		ToolCalls:        entry.ToolCalls,
		CreatedAt:        time.Now(),
	}

	if entry.Upstream.LogRequestBody {
		row.RequestHeaders = l.redactor.Redact(headerJSON(entry.RequestHeaders))
		row.RequestBody = l.redactor.Redact(string(entry.RequestBody))
	}
	if entry.Upstream.LogResponseBody {
		row.ResponseHeaders = l.redactor.Redact(headerJSON(entry.ResponseHeaders))
		row.ResponseBody = l.redactor.Redact(string(entry.ResponseBody))
	}

	if err := l.store.InsertRequestLog(ctx, row); err != nil {
		slog.Error("auditlog: failed to persist request log", "upstream_id", entry.Upstream.ID, "error", err)
	}
}

func headerJSON(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	b, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(b)
}
