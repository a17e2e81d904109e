package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/shineme/aiproxy/internal/storage"
)

// handleLogs serves GET /api/admin/logs: the read-only request-log
// dashboard, filterable by upstream_id, status_code, since, until.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
		return
	}

	q := r.URL.Query()
	opts := storage.ListRequestLogsOptions{
		UpstreamID: q.Get("upstream_id"),
		Limit:      100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	if v := q.Get("status_code"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.StatusCode = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}

	logs, err := h.store.ListRequestLogs(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(logs), "logs": logs})
}

// handleLogStream serves the read-only admin WebSocket: it pushes each
// newly committed RequestLog row as a JSON frame, polling the store since
// no pub/sub channel backs request-log commits. The connection accepts no
// inbound frames; it closes only when the request context ends or a write
// fails.
func (h *Handler) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var lastID int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "context done")
			return
		case <-ticker.C:
			logs, err := h.store.ListRequestLogs(ctx, storage.ListRequestLogsOptions{Limit: 50})
			if err != nil {
				continue
			}
			for i := len(logs) - 1; i >= 0; i-- {
				if logs[i].ID <= lastID {
					continue
				}
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := wsjson.Write(writeCtx, conn, logs[i]); err != nil {
					cancel()
					conn.Close(websocket.StatusInternalError, "write failed")
					return
				}
				cancel()
				lastID = logs[i].ID
			}
		}
	}
}
