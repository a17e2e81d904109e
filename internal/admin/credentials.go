package admin

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/shineme/aiproxy/internal/storage"
)

type credentialRequest struct {
	UpstreamID           string `json:"upstream_id"`
	Secret               string `json:"secret"`
	Placement            string `json:"placement"`
	ParamName            string `json:"param_name"`
	ValuePrefix          string `json:"value_prefix"`
	QuotaEnabled         bool   `json:"quota_enabled"`
	QuotaTotal           int64  `json:"quota_total"`
	AutoDisableOnFailure bool   `json:"auto_disable_on_failure"`
}

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		upstreamID := r.URL.Query().Get("upstream_id")
		if upstreamID == "" {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "upstream_id query parameter required"})
			return
		}
		list, err := h.store.ListCredentialsByUpstream(r.Context(), upstreamID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, redactCredentials(list))
	case http.MethodPost:
		var req credentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		c := credentialFromRequest(&req)
		c.ID = uuid.New().String()
		if err := h.store.CreateCredential(r.Context(), c); err != nil {
			writeJSON(w, http.StatusInternalServerError, errBody{"store_error", err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, redactCredential(c))
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func (h *Handler) handleCredential(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/api/admin/credentials/")
	if id == "" || id == "import" {
		writeJSON(w, http.StatusBadRequest, errBody{"bad_request", "credential id required"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := h.store.GetCredential(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, redactCredential(c))
	case http.MethodPut:
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
			return
		}
		if err := h.store.UpdateCredentialStatus(r.Context(), id, storage.CredentialStatus(body.Status), nil); err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": body.Status})
	case http.MethodDelete:
		if err := h.store.DeleteCredential(r.Context(), id); err != nil {
			writeJSON(w, http.StatusNotFound, errBody{"not_found", err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
	}
}

func credentialFromRequest(req *credentialRequest) *storage.Credential {
	return &storage.Credential{
		UpstreamID:           req.UpstreamID,
		Secret:               req.Secret,
		Placement:            storage.CredentialPlacement(req.Placement),
		ParamName:            req.ParamName,
		ValuePrefix:          req.ValuePrefix,
		Status:               storage.CredentialActive,
		Quota:                storage.Quota{Enabled: req.QuotaEnabled, Total: req.QuotaTotal},
		AutoDisableOnFailure: req.AutoDisableOnFailure,
	}
}

// redactCredential strips the secret value before it leaves the process, so
// admin list/detail responses never echo a live credential.
func redactCredential(c *storage.Credential) storage.Credential {
	redacted := *c
	redacted.Secret = "••••••" + lastChars(c.Secret, 4)
	return redacted
}

func redactCredentials(list []storage.Credential) []storage.Credential {
	out := make([]storage.Credential, len(list))
	for i := range list {
		out[i] = redactCredential(&list[i])
	}
	return out
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// importRequest is the JSON bulk-import body: one upstream, many raw keys.
type importRequest struct {
	UpstreamID string   `json:"upstream_id"`
	Keys       []string `json:"keys"`
}

// importResult is the bulk-import response shape.
type importResult struct {
	SuccessCount int           `json:"success_count"`
	FailedCount  int           `json:"failed_count"`
	Errors       []importError `json:"errors"`
}

type importError struct {
	Index int    `json:"index,omitempty"`
	Row   int    `json:"row,omitempty"`
	Error string `json:"error"`
}

// handleCredentialImport accepts either a JSON {upstream_id, keys:[...]}
// body or a CSV body (columns: upstream_id,name,key_value,location,
// param_name,value_prefix,enable_quota,quota_total), selected by
// Content-Type.
func (h *Handler) handleCredentialImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errBody{"method_not_allowed", r.Method})
		return
	}

	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		h.importJSON(w, r)
		return
	}
	h.importCSV(w, r)
}

func (h *Handler) importJSON(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{"bad_request", err.Error()})
		return
	}

	result := importResult{}
	for i, key := range req.Keys {
		c := &storage.Credential{
			ID:         uuid.New().String(),
			UpstreamID: req.UpstreamID,
			Secret:     key,
			Placement:  storage.PlacementHeader,
			ParamName:  "Authorization",
			Status:     storage.CredentialActive,
		}
		if err := h.store.CreateCredential(r.Context(), c); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, importError{Index: i, Error: err.Error()})
			continue
		}
		result.SuccessCount++
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) importCSV(w http.ResponseWriter, r *http.Request) {
	reader := csv.NewReader(r.Body)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{"bad_request", fmt.Sprintf("parsing csv: %v", err)})
		return
	}
	if len(rows) > 0 && strings.EqualFold(strings.TrimSpace(rows[0][0]), "upstream_id") {
		rows = rows[1:] // skip header row
	}

	result := importResult{}
	for i, row := range rows {
		rowNum := i + 1
		c, err := credentialFromCSVRow(row)
		if err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, importError{Row: rowNum, Error: err.Error()})
			continue
		}
		if err := h.store.CreateCredential(r.Context(), c); err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, importError{Row: rowNum, Error: err.Error()})
			continue
		}
		result.SuccessCount++
	}
	writeJSON(w, http.StatusOK, result)
}

// credentialFromCSVRow parses one row of
// upstream_id,name,key_value,location,param_name,value_prefix,enable_quota,quota_total.
// name is accepted for parity with the admin UI's column but isn't part of
// the Credential model; it's ignored beyond validation.
func credentialFromCSVRow(row []string) (*storage.Credential, error) {
	if len(row) < 5 {
		return nil, fmt.Errorf("expected at least 5 columns, got %d", len(row))
	}
	upstreamID, keyValue, location, paramName := strings.TrimSpace(row[0]), strings.TrimSpace(row[2]), strings.TrimSpace(row[3]), strings.TrimSpace(row[4])
	if upstreamID == "" || keyValue == "" {
		return nil, fmt.Errorf("upstream_id and key_value are required")
	}

	c := &storage.Credential{
		ID:         uuid.New().String(),
		UpstreamID: upstreamID,
		Secret:     keyValue,
		Placement:  storage.CredentialPlacement(location),
		ParamName:  paramName,
		Status:     storage.CredentialActive,
	}
	if len(row) > 5 {
		c.ValuePrefix = strings.TrimSpace(row[5])
	}
	if len(row) > 6 && strings.EqualFold(strings.TrimSpace(row[6]), "true") {
		c.Quota.Enabled = true
	}
	if len(row) > 7 {
		if total, err := strconv.ParseInt(strings.TrimSpace(row[7]), 10, 64); err == nil {
			c.Quota.Total = total
		}
	}
	return c, nil
}
