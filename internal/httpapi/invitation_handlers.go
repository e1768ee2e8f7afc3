package httpapi

import (
	"net/http"
	"strings"

	"tenauth.io/internal/access"
	"tenauth.io/internal/ratelimit"
)

type createInvitationRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	RoleCode string `json:"role_code"`
}

type invitationResponse struct {
	Invitation *access.Invitation `json:"invitation"`
	Token      string             `json:"token,omitempty"`
}

func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.requireScope(w, r, actor, access.ScopeAdmin) {
		return
	}
	var req createInvitationRequest
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
	// Inviting another admin is a sensitive action.
	if strings.EqualFold(strings.TrimSpace(req.RoleCode), "admin") {
		if !a.requireStepUp(w, r, actor, access.ActionAdminInvite) {
			return
		}
	}
	if !a.allowRate(w, r, ratelimit.ActionInvitationSend, tenantID) {
		return
	}
	inv, token, err := a.deps.Invitations.Create(r.Context(), tenantID, req.Email, req.RoleCode, actor.IdentityID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, invitationResponse{Invitation: inv, Token: token})
}

type acceptInvitationRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) handleInvitationAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.deps.Invitations.Accept(r.Context(), req.Token, req.Password)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

// handleInvitationScoped routes /v1/invitations/{id}/resend and /revoke.
func (a *API) handleInvitationScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/invitations/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !a.requireScope(w, r, actor, access.ScopeAdmin) {
		return
	}

	existing, err := a.deps.Invitations.Find(r.Context(), parts[0])
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !a.sameTenant(actor, existing.TenantID) {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch parts[1] {
	case "resend":
		if !a.allowRate(w, r, ratelimit.ActionInvitationSend, existing.TenantID) {
			return
		}
		invitation, token, err := a.deps.Invitations.Resend(r.Context(), parts[0])
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, invitationResponse{Invitation: invitation, Token: token})
	case "revoke":
		invitation, err := a.deps.Invitations.Revoke(r.Context(), parts[0], actor.IdentityID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, invitationResponse{Invitation: invitation})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
