package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shineme/aiproxy/internal/storage"
)

// upstreamRequest is the admin-facing JSON shape for creating/updating an
// Upstream; durations are expressed in milliseconds over the wire.
type upstreamRequest struct {
	Name               string `json:"name"`
	BaseURL            string `json:"base_url"`
	RequestTimeoutMS   int64  `json:"request_timeout_ms"`
	RetryCount         int    `json:"retry_count"`
	ConnectionPoolCap  int    `json:"connection_pool_cap"`
	LogRequestBody     bool   `json:"log_request_body"`
	LogResponseBody    bool   `json:"log_response_body"`
	RateLimitPerMinute int64  `json:"rate_limit_per_minute"`
	RateLimitPerHour   int64  `json:"rate_limit_per_hour"`
	RateLimitPerDay    int64  `json:"rate_limit_per_day"`
	SelectionStrategy  string `json:"selection_strategy"`
	Enabled            *bool  `json:"enabled"`
}

func (h *Handler) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.store.ListUpstreams(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req upstreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		u := upstreamFromRequest(&req)
		u.ID = uuid.New().String()
		if err := h.store.CreateUpstream(r.Context(), u); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, u)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func (h *Handler) handleUpstream(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/admin/upstreams/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "upstream id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		u, err := h.store.GetUpstream(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodPut:
		existing, err := h.store.GetUpstream(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		var req upstreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		u := upstreamFromRequest(&req)
		u.ID = existing.ID
		if err := h.store.UpdateUpstream(r.Context(), u); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodDelete:
		if err := h.store.DeleteUpstream(r.Context(), id); err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func upstreamFromRequest(req *upstreamRequest) *storage.Upstream {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	strategy := req.SelectionStrategy
	if strategy == "" {
		strategy = "round_robin"
	}
	return &storage.Upstream{
		Name:               req.Name,
		BaseURL:            req.BaseURL,
		RequestTimeout:     time.Duration(req.RequestTimeoutMS) * time.Millisecond,
		RetryCount:         req.RetryCount,
		ConnectionPoolCap:  req.ConnectionPoolCap,
		LogRequestBody:     req.LogRequestBody,
		LogResponseBody:    req.LogResponseBody,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		RateLimitPerDay:    req.RateLimitPerDay,
		SelectionStrategy:  strategy,
		Enabled:            enabled,
	}
}
