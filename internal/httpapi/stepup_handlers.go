package httpapi

import (
	"net/http"
	"strings"

	"tenauth.io/internal/access"
)

type stepUpRequest struct {
	Action   string `json:"action"`
	Password string `json:"password"`
}

// handleStepUp re-verifies the caller's password and records an elevation
// grant for one sensitive action. The grant window starts now and never
// extends on use.
func (a *API) handleStepUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	if !actor.Privileged() {
		writeError(w, r, http.StatusForbidden, "step-up verification requires a user session")
		return
	}

	var req stepUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	if !a.deps.Config.RequiresStepUp(action) {
		writeError(w, r, http.StatusBadRequest, "unknown step-up action")
		return
	}
	if a.deps.StepUp == nil {
		handleAccessError(w, r, access.ErrUnavailable)
		return
	}

	identity, err := a.deps.Identities.Find(r.Context(), actor.IdentityID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if err := access.VerifyPassword(identity.PasswordHash, req.Password); err != nil {
		unauthorized(w, r, "invalid credentials")
		return
	}

	grant, err := a.deps.StepUp.IssueGrant(r.Context(), actor.IdentityID, action, "password")
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}
