package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shineme/aiproxy/internal/storage"
)

type headerConfigRequest struct {
	UpstreamID    string `json:"upstream_id"`
	HeaderName    string `json:"header_name"`
	Kind          string `json:"kind"`
	StaticValue   string `json:"static_value"`
	ScriptSource  string `json:"script_source"`
	Priority      int    `json:"priority"`
	TimeoutMS     int64  `json:"timeout_ms"`
	Fallback      string `json:"fallback"`
	FallbackValue string `json:"fallback_value"`
	Enabled       *bool  `json:"enabled"`
}

func (h *Handler) handleHeaderConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		upstreamID := r.URL.Query().Get("upstream_id")
		if upstreamID == "" {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "upstream_id query parameter required"})
			return
		}
		list, err := h.store.ListHeaderConfigsByUpstream(r.Context(), upstreamID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req headerConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		hc := headerConfigFromRequest(&req)
		hc.ID = uuid.New().String()
		if err := h.store.CreateHeaderConfig(r.Context(), hc); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, hc)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func (h *Handler) handleHeaderConfig(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/admin/header-configs/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "header config id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		hc, err := h.store.GetHeaderConfig(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, hc)
	case http.MethodPut:
		existing, err := h.store.GetHeaderConfig(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		var req headerConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		hc := headerConfigFromRequest(&req)
		hc.ID = existing.ID
		hc.UpstreamID = existing.UpstreamID
		if err := h.store.UpdateHeaderConfig(r.Context(), hc); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, hc)
	case http.MethodDelete:
		if err := h.store.DeleteHeaderConfig(r.Context(), id); err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func headerConfigFromRequest(req *headerConfigRequest) *storage.HeaderConfig {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	fallback := storage.FallbackPolicy(req.Fallback)
	if fallback == "" {
		fallback = storage.FallbackUseDefault
	}
	return &storage.HeaderConfig{
		UpstreamID:    req.UpstreamID,
		HeaderName:    req.HeaderName,
		Kind:          storage.HeaderConfigKind(req.Kind),
		StaticValue:   req.StaticValue,
		ScriptSource:  req.ScriptSource,
		Priority:      req.Priority,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		Fallback:      fallback,
		FallbackValue: req.FallbackValue,
		Enabled:       enabled,
	}
}
