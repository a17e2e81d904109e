package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shineme/aiproxy/internal/storage"
)

type ruleRequest struct {
	UpstreamID       string              `json:"upstream_id"`
	Name             string              `json:"name"`
	Conditions       json.RawMessage     `json:"conditions"`
	Actions          []storage.RuleAction `json:"actions"`
	AutoEnableDelayMS int64              `json:"auto_enable_delay_ms"`
	TriggerThreshold int                 `json:"trigger_threshold"`
	TimeWindowMS     int64               `json:"time_window_ms"`
	CooldownSeconds  int                 `json:"cooldown_seconds"`
	Priority         int                 `json:"priority"`
	Enabled          *bool               `json:"enabled"`
}

func (h *Handler) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		upstreamID := r.URL.Query().Get("upstream_id")
		if upstreamID == "" {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "upstream_id query parameter required"})
			return
		}
		list, err := h.store.ListRulesByUpstream(r.Context(), upstreamID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req ruleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		rule := ruleFromRequest(&req)
		rule.ID = uuid.New().String()
		if err := h.store.CreateRule(r.Context(), rule); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, rule)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func (h *Handler) handleRule(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/admin/rules/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "rule id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		rule, err := h.store.GetRule(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPut:
		existing, err := h.store.GetRule(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		var req ruleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		rule := ruleFromRequest(&req)
		rule.ID = existing.ID
		rule.UpstreamID = existing.UpstreamID
		if err := h.store.UpdateRule(r.Context(), rule); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		if err := h.store.DeleteRule(r.Context(), id); err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func ruleFromRequest(req *ruleRequest) *storage.Rule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &storage.Rule{
		UpstreamID:       req.UpstreamID,
		Name:             req.Name,
		Conditions:       string(req.Conditions),
		Actions:          req.Actions,
		AutoEnableDelay:  time.Duration(req.AutoEnableDelayMS) * time.Millisecond,
		TriggerThreshold: req.TriggerThreshold,
		TimeWindow:       time.Duration(req.TimeWindowMS) * time.Millisecond,
		CooldownSeconds:  req.CooldownSeconds,
		Priority:         req.Priority,
		Enabled:          enabled,
	}
}
