// Package admin implements the gateway's administrative surface: CRUD for
// upstreams, credentials, header configs, and rules; bulk credential
// import; a read-only request-log dashboard; and a live log-stream
// WebSocket for operator tooling.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shineme/aiproxy/internal/storage"
)

// Handler serves the admin REST + WebSocket surface.
type Handler struct {
	store       *storage.Store
	mux         *http.ServeMux
	authEnabled bool
	apiKey      string
	corsOrigins []string
}

// New builds a Handler backed by store. apiKey empty disables auth.
func New(store *storage.Store, authEnabled bool, apiKey string, corsOrigins []string) *Handler {
	h := &Handler{store: store, authEnabled: authEnabled, apiKey: apiKey, corsOrigins: corsOrigins, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/admin/health", h.handleHealth)

	h.mux.HandleFunc("/api/admin/upstreams", h.handleUpstreams)
	h.mux.HandleFunc("/api/admin/upstreams/", h.handleUpstream)

	h.mux.HandleFunc("/api/admin/credentials", h.handleCredentials)
	h.mux.HandleFunc("/api/admin/credentials/", h.handleCredential)
	h.mux.HandleFunc("/api/admin/credentials/import", h.handleCredentialImport)

	h.mux.HandleFunc("/api/admin/header-configs", h.handleHeaderConfigs)
	h.mux.HandleFunc("/api/admin/header-configs/", h.handleHeaderConfig)

	h.mux.HandleFunc("/api/admin/rules", h.handleRules)
	h.mux.HandleFunc("/api/admin/rules/", h.handleRule)

	h.mux.HandleFunc("/api/admin/logs", h.handleLogs)
	h.mux.HandleFunc("/api/admin/stream", h.handleLogStream)

	return h
}

// ServeHTTP applies CORS and bearer-token auth before dispatching to the mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if h.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && r.URL.Path != "/api/admin/health" && !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="aiproxy admin"`)
		writeJSON(w, http.StatusUnauthorized, errBody{"unauthorized", "valid API key required"})
		return
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) originAllowed(origin string) bool {
	if len(h.corsOrigins) == 0 {
		return true
	}
	for _, o := range h.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *Handler) checkAuth(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: failed to encode response", "error", err)
	}
}

func pathID(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}
