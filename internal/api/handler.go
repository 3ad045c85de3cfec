package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-db/kestrel/internal/dispatch"
	"github.com/opensource-db/kestrel/internal/domain"
	"github.com/opensource-db/kestrel/internal/security"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	sec        *security.Layer
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(d *dispatch.Dispatcher, sec *security.Layer, version string) *Handler {
	return &Handler{dispatcher: d, sec: sec, version: version}
}

// StatementRequest is the body for POST /query and POST /execute.
type StatementRequest struct {
	Engine string         `json:"engine,omitempty"`
	SQL    string         `json:"sql"`
	Params []domain.Value `json:"params,omitempty"`
}

// Health reports process liveness plus per-engine health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	engines := h.dispatcher.ListEngines(r.Context())
	for _, e := range engines {
		if !e.Healthy {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"engines": engines,
	})
}

// Ready reports readiness for traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// Query handles POST /query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req StatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sql is required"})
		return
	}

	res, err := h.dispatcher.ExecuteQuery(r.Context(), req.Engine, GetCaller(r.Context()), req.SQL, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Execute handles POST /execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req StatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sql is required"})
		return
	}

	res, err := h.dispatcher.ExecuteCommand(r.Context(), req.Engine, GetCaller(r.Context()), req.SQL, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListEngines handles GET /engines.
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.ListEngines(r.Context()))
}

// SwitchEngine handles POST /engines/{id}/activate. Swapping the
// active default is an administrative action.
func (h *Handler) SwitchEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.sec.CheckAdmin(GetCaller(r.Context()), "engines"); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.SwitchEngine(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": id})
}

// GetSchema handles GET /engines/{id}/schema.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	table := r.URL.Query().Get("table")
	info, err := h.dispatcher.GetSchema(r.Context(), id, table)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// BeginTransactionRequest is the body for POST /transactions.
type BeginTransactionRequest struct {
	Engine    string `json:"engine,omitempty"`
	Isolation string `json:"isolation,omitempty"`
}

// BeginTransaction handles POST /transactions.
func (h *Handler) BeginTransaction(w http.ResponseWriter, r *http.Request) {
	var req BeginTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	level := domain.Serializable
	if req.Isolation != "" {
		parsed, ok := domain.ParseIsolation(req.Isolation)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown isolation level " + req.Isolation})
			return
		}
		level = parsed
	}

	handle, err := h.dispatcher.BeginTransaction(r.Context(), req.Engine, GetCaller(r.Context()), level)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

// TxQuery handles POST /transactions/{id}/query.
func (h *Handler) TxQuery(w http.ResponseWriter, r *http.Request) {
	var req StatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	res, err := h.dispatcher.TxQuery(r.Context(), chi.URLParam(r, "id"), req.SQL, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TxExecute handles POST /transactions/{id}/execute.
func (h *Handler) TxExecute(w http.ResponseWriter, r *http.Request) {
	var req StatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	res, err := h.dispatcher.TxExecute(r.Context(), chi.URLParam(r, "id"), req.SQL, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SavepointRequest names a savepoint.
type SavepointRequest struct {
	Name string `json:"name"`
}

// Savepoint handles POST /transactions/{id}/savepoints.
func (h *Handler) Savepoint(w http.ResponseWriter, r *http.Request) {
	var req SavepointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "savepoint name is required"})
		return
	}
	if err := h.dispatcher.TxSavepoint(r.Context(), chi.URLParam(r, "id"), req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"savepoint": req.Name})
}

// RollbackToSavepoint handles POST /transactions/{id}/savepoints/{name}/rollback.
func (h *Handler) RollbackToSavepoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.dispatcher.TxRollbackToSavepoint(r.Context(), chi.URLParam(r, "id"), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rolledBackTo": name})
}

// ReleaseSavepoint handles DELETE /transactions/{id}/savepoints/{name}.
func (h *Handler) ReleaseSavepoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.dispatcher.TxReleaseSavepoint(r.Context(), chi.URLParam(r, "id"), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"released": name})
}

// Commit handles POST /transactions/{id}/commit.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.TxCommit(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

// Rollback handles POST /transactions/{id}/rollback.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.TxRollback(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// GetUserRoles handles GET /rbac/users/{user}/roles.
func (h *Handler) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"roles": h.dispatcher.GetUserRoles(user),
	})
}

// RoleRequest names a role for assignment.
type RoleRequest struct {
	Role string `json:"role"`
}

// AssignRole handles POST /rbac/users/{user}/roles.
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role is required"})
		return
	}
	user := chi.URLParam(r, "user")
	if err := h.dispatcher.AssignUserRole(GetCaller(r.Context()), user, req.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user": user, "role": req.Role})
}

// RevokeRole handles DELETE /rbac/users/{user}/roles/{role}.
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	role := chi.URLParam(r, "role")
	if err := h.dispatcher.RevokeUserRole(GetCaller(r.Context()), user, role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user": user, "revoked": role})
}

// UpdateRBACConfig handles PUT /rbac/config.
func (h *Handler) UpdateRBACConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.RBACConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if err := h.dispatcher.UpdateRBACConfig(GetCaller(r.Context()), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// AuditEvents handles GET /audit/events.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.dispatcher.RecentAuditEvents(limit))
}

// TokenRequest carries a masking surrogate for resolution.
type TokenRequest struct {
	Token string `json:"token"`
}

// ResolveToken handles POST /tokens/resolve. Admin-only: the caller
// must pass an RBAC admin check before the vault opens.
func (h *Handler) ResolveToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	caller := GetCaller(r.Context())
	if err := h.sec.CheckAdmin(caller, "token_vault"); err != nil {
		writeError(w, err)
		return
	}

	original, ok := h.sec.Vault().Resolve(req.Token)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": req.Token, "value": original})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.ErrValidation, domain.ErrConfiguration:
		status = http.StatusBadRequest
	case domain.ErrSecurityViolation:
		status = http.StatusForbidden
	case domain.ErrUnsupported:
		status = http.StatusNotImplemented
	case domain.ErrTimeout:
		status = http.StatusGatewayTimeout
	case domain.ErrPool:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}
