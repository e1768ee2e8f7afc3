package httpapi

import (
	"net/http"
	"strings"

	"tenauth.io/internal/access"
	"tenauth.io/internal/ratelimit"
)

type trialSignupRequest struct {
	CompanyName string `json:"company_name"`
	Email       string `json:"email"`
}

func (a *API) handleTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.allowRate(w, r, ratelimit.ActionTrialSignup, clientIP(r)) {
		return
	}
	var req trialSignupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	trial, err := a.deps.Trials.Signup(r.Context(), req.CompanyName, req.Email)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trial)
}

type provisionRequest struct {
	AdminPassword string `json:"admin_password"`
}

type provisionResponse struct {
	Trial    *access.TrialRecord `json:"trial"`
	Tenant   *access.Tenant      `json:"tenant"`
	Admin    *access.Identity    `json:"admin"`
	Replayed bool                `json:"replayed"`
}

// handleTrialScoped routes /v1/trials/{id}/provision. Provisioning is driven
// by a machine credential holding the provisioning scope; retries replay the
// stored result instead of minting duplicates.
func (a *API) handleTrialScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/trials/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "provision" {
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
	if !a.requireScope(w, r, actor, access.ScopeTrialProvision) {
		return
	}
	subject := actor.CredentialID
	if subject == "" {
		subject = actor.IdentityID
	}
	if !a.allowRate(w, r, ratelimit.ActionTrialProvision, subject) {
		return
	}

	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.deps.Trials.Provision(r.Context(), parts[0], req.AdminPassword)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, provisionResponse{
		Trial:    result.Trial,
		Tenant:   result.Tenant,
		Admin:    result.Admin,
		Replayed: result.Replayed,
	})
}
