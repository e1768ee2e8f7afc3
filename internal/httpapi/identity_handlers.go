package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tenauth.io/internal/access"
	"tenauth.io/internal/ratelimit"
)

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenPayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type signupResponse struct {
	Identity     *access.Identity `json:"identity"`
	Verification tokenPayload     `json:"verification"`
}

// Minted tokens are returned to the caller, which owns delivery; this service
// never sends mail itself.
func (a *API) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.allowRate(w, r, ratelimit.ActionRegistration, clientIP(r)) {
		return
	}
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, verification, err := a.deps.Identities.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, signupResponse{
		Identity: identity,
		Verification: tokenPayload{
			Token:     verification.Plaintext,
			ExpiresAt: verification.ExpiresAt,
		},
	})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.deps.Identities.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

type resendRequest struct {
	Email string `json:"email"`
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := a.deps.Identities.ResendVerification(r.Context(), req.Email)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	// A missing address answers the same as a hit.
	resp := map[string]any{"status": "accepted"}
	if issued != nil {
		resp["verification"] = tokenPayload{Token: issued.Plaintext, ExpiresAt: issued.ExpiresAt}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	Identity  *access.Identity `json:"identity"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.deps.Identities.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	scopes, err := a.sessionScopes(r, identity)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	token, expiresAt, err := a.deps.Sessions.Issue(identity, scopes)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "session issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Identity:  identity,
	})
}

// sessionScopes derives session scopes from tenant memberships: an admin role
// carries the admin scope, every member can read identities in their tenant.
func (a *API) sessionScopes(r *http.Request, identity *access.Identity) ([]string, error) {
	memberships, err := a.deps.Store.Memberships(r.Context()).ListByIdentity(r.Context(), identity.ID)
	if err != nil {
		return nil, err
	}
	scopes := []string{access.ScopeIdentitiesRead}
	for _, m := range memberships {
		if m.RoleCode == "admin" {
			scopes = append(scopes, access.ScopeAdmin, access.ScopeKeysManage)
			break
		}
	}
	return scopes, nil
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

func (a *API) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !a.allowRate(w, r, ratelimit.ActionPasswordReset, email) {
		return
	}
	issued, err := a.deps.Identities.RequestPasswordReset(r.Context(), email)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	resp := map[string]any{"status": "accepted"}
	if issued != nil {
		resp["reset"] = tokenPayload{Token: issued.Plaintext, ExpiresAt: issued.ExpiresAt}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type passwordResetConfirm struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req passwordResetConfirm
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Identities.ConfirmPasswordReset(r.Context(), req.Token, req.Password); err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_updated"})
}

// handleIdentityScoped routes /v1/identities/{id} and its lifecycle verbs.
func (a *API) handleIdentityScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/identities/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.requireScope(w, r, actor, access.ScopeIdentitiesRead) {
			return
		}
		identity, err := a.deps.Identities.Find(r.Context(), id)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		if !a.sameTenant(actor, identity.TenantID) {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		writeJSON(w, http.StatusOK, identity)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if !a.requireScope(w, r, actor, access.ScopeAdmin) {
		return
	}
	if parts[1] == "role" {
		a.handleRoleChange(w, r, actor, id)
		return
	}

	var err error
	switch parts[1] {
	case "suspend":
		err = a.deps.Identities.Suspend(r.Context(), id, actor.IdentityID)
	case "reactivate":
		err = a.deps.Identities.Reactivate(r.Context(), id, actor.IdentityID)
	case "unlock":
		err = a.deps.Identities.Unlock(r.Context(), id, actor.IdentityID)
	case "deactivate":
		if !a.requireStepUp(w, r, actor, access.ActionDeprovision) {
			return
		}
		err = a.deps.Identities.Deactivate(r.Context(), id, actor.IdentityID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	identity, err := a.deps.Identities.Find(r.Context(), id)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

type roleChangeRequest struct {
	RoleCode string `json:"role_code"`
}

// handleRoleChange reassigns a member's role within the caller's tenant.
// Role reassignment is a sensitive action and needs an elevation grant.
func (a *API) handleRoleChange(w http.ResponseWriter, r *http.Request, actor access.Actor, id string) {
	if !a.requireStepUp(w, r, actor, access.ActionRoleChange) {
		return
	}
	var req roleChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	membership, err := a.deps.Identities.ChangeRole(r.Context(), id, actor.TenantID, req.RoleCode, actor.IdentityID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, membership)
}

// sameTenant allows platform-level actors (no tenant binding) everywhere.
func (a *API) sameTenant(actor access.Actor, tenantID string) bool {
	if actor.TenantID == "" {
		return true
	}
	return actor.TenantID == tenantID
}
