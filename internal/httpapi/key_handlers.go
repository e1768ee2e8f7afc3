package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tenauth.io/internal/access"
)

type createKeyRequest struct {
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name"`
	Scopes      []string `json:"scopes"`
	IPAllowList []string `json:"ip_allow_list"`
	TTLSeconds  int64    `json:"ttl_seconds"`
}

type createKeyResponse struct {
	Credential *access.Credential `json:"credential"`
	// Key is shown exactly once; only its hash is stored.
	Key string `json:"key"`
}

func (a *API) handleKeys(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		if !a.requireScope(w, r, actor, access.ScopeKeysManage) {
			return
		}
		if !a.requireStepUp(w, r, actor, access.ActionKeyCreate) {
			return
		}
		var req createKeyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		tenantID := strings.TrimSpace(req.TenantID)
		if tenantID == "" {
			tenantID = actor.TenantID
		}
		if !a.sameTenant(actor, tenantID) {
			handleAccessError(w, r, access.ErrTenantMismatch)
			return
		}
		createdBy := actor.IdentityID
		if createdBy == "" {
			createdBy = actor.CredentialID
		}
		cred, key, err := a.deps.Credentials.CreateKey(r.Context(), tenantID, req.Name,
			createdBy, req.Scopes, req.IPAllowList, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, createKeyResponse{Credential: cred, Key: key})
	case http.MethodGet:
		if !a.requireScope(w, r, actor, access.ScopeKeysManage) {
			return
		}
		tenantID := actor.TenantID
		if q := strings.TrimSpace(r.URL.Query().Get("tenant_id")); q != "" && a.sameTenant(actor, q) {
			tenantID = q
		}
		keys, err := a.deps.Credentials.ListKeys(r.Context(), tenantID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleKeyScoped routes /v1/keys/{id} deletion (revocation).
func (a *API) handleKeyScoped(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/keys/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.requireScope(w, r, actor, access.ScopeKeysManage) {
		return
	}
	cred, err := a.deps.Credentials.FindKey(r.Context(), id)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !a.sameTenant(actor, cred.TenantID) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	revokedBy := actor.IdentityID
	if revokedBy == "" {
		revokedBy = actor.CredentialID
	}
	if err := a.deps.Credentials.RevokeKey(r.Context(), id, revokedBy, "revoked via api"); err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
