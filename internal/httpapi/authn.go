package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenauth.io/internal/access"
	"tenauth.io/internal/audit"
	"tenauth.io/internal/obs"
)

const (
	authHeader = "Authorization"
	challenge  = `ApiKey realm="tenauth"`

	sourceAuthorization = "authorization"
	sourceHeader        = "header"
	sourceQuery         = "query"
)

func (a *API) keyHeader() string {
	if h := a.deps.Config.KeyHeader; h != "" {
		return h
	}
	return "X-API-Key"
}

func (a *API) keyQueryParam() string {
	if q := a.deps.Config.KeyQueryParam; q != "" {
		return q
	}
	return "api_key"
}

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/identities",
	"/v1/identities/verify-email",
	"/v1/identities/resend-verification",
	"/v1/auth/login",
	"/v1/auth/password-reset",
	"/v1/auth/password-reset/confirm",
	"/v1/invitations/accept",
	"/v1/trials",
	"/",
}

// withAuth authenticates every non-public request. Credential sources are
// tried in a fixed order: the Authorization header (ApiKey scheme, or Bearer
// carrying either a key or a session JWT), then the X-API-Key header, then
// the query parameter when that path is enabled.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, source, isKey := a.extractCredential(r)
		if raw == "" {
			unauthorized(w, r, "missing credentials")
			return
		}

		var actor access.Actor
		if isKey {
			v, err := a.deps.Credentials.Validate(r.Context(), raw, clientIP(r))
			if err != nil {
				a.rejectCredential(w, r, err)
				return
			}
			actor = access.Actor{
				CredentialID: v.CredentialID,
				TenantID:     v.TenantID,
				Scopes:       v.Scopes,
				Method:       access.MethodAPIKey,
				LowTrust:     source == sourceQuery,
			}
			if actor.LowTrust {
				obs.LogRequest(map[string]any{
					"msg":           "api key accepted via query parameter",
					"credential_id": v.CredentialID,
					"path":          r.URL.Path,
				})
			}
		} else {
			claims, err := a.deps.Sessions.Parse(raw)
			if err != nil {
				unauthorized(w, r, "invalid session")
				return
			}
			actor = access.Actor{
				IdentityID: claims.Subject,
				TenantID:   claims.TenantID,
				Scopes:     claims.Scopes,
				Method:     access.MethodSession,
			}
		}

		next.ServeHTTP(w, r.WithContext(access.ContextWithActor(r.Context(), actor)))
	})
}

// extractCredential returns the raw credential, its source, and whether it is
// an API key (as opposed to a session token).
func (a *API) extractCredential(r *http.Request) (raw, source string, isKey bool) {
	if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
		scheme, value, _ := strings.Cut(header, " ")
		value = strings.TrimSpace(value)
		switch strings.ToLower(scheme) {
		case "apikey":
			return value, sourceAuthorization, true
		case "bearer":
			// Bearer carries either scheme; the key prefix disambiguates.
			return value, sourceAuthorization, access.MatchesKeyShape(value)
		}
		return "", "", false
	}
	if key := strings.TrimSpace(r.Header.Get(a.keyHeader())); key != "" {
		return key, sourceHeader, true
	}
	if a.deps.AllowQueryKey {
		if key := strings.TrimSpace(r.URL.Query().Get(a.keyQueryParam())); key != "" {
			return key, sourceQuery, true
		}
	}
	return "", "", false
}

func (a *API) rejectCredential(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		unauthorized(w, r, "invalid credentials")
	}
}

// requireActor loads the authenticated actor or writes a 401.
func (a *API) requireActor(w http.ResponseWriter, r *http.Request) (access.Actor, bool) {
	actor, ok := access.ActorFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
	}
	return actor, ok
}

// requireScope enforces a scope on the actor. Sessions carry scopes derived
// from tenant memberships at login; machine credentials carry the scopes
// granted at mint time. Low-trust credentials are barred from mutating calls
// regardless of scope.
func (a *API) requireScope(w http.ResponseWriter, r *http.Request, actor access.Actor, scope string) bool {
	if actor.LowTrust && r.Method != http.MethodGet {
		a.auditDenied(r, actor, string(access.ReasonScope), map[string]any{
			"required_scope": scope,
			"source":         "query",
		})
		writeError(w, r, http.StatusForbidden, "credential source not allowed for this operation")
		return false
	}
	if !actor.HasScope(scope) {
		a.auditDenied(r, actor, string(access.ReasonScope), map[string]any{
			"required_scope": scope,
		})
		writeError(w, r, http.StatusForbidden, "insufficient scope")
		return false
	}
	return true
}

// auditDenied records a gateway authorization rejection.
func (a *API) auditDenied(r *http.Request, actor access.Actor, reason string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["path"] = r.URL.Path
	fields["method"] = r.Method
	audit.Emit(r.Context(), a.deps.Emitter, audit.Event{
		Type:     "gateway.authorize",
		ActorID:  actorRef(actor),
		TenantID: actor.TenantID,
		Result:   audit.ResultFailure,
		Reason:   reason,
		Fields:   fields,
	})
}

func actorRef(actor access.Actor) string {
	if actor.IdentityID != "" {
		return actor.IdentityID
	}
	return actor.CredentialID
}

// requireStepUp enforces a valid elevation grant for the named action on
// session actors. Machine credentials cannot elevate and are rejected. When
// the grant backend is not wired, sensitive actions are refused outright: a
// missing backend must never widen access.
func (a *API) requireStepUp(w http.ResponseWriter, r *http.Request, actor access.Actor, action string) bool {
	if !a.deps.Config.RequiresStepUp(action) {
		return true
	}
	if !actor.Privileged() {
		writeError(w, r, http.StatusForbidden, "step-up verification requires a user session")
		return false
	}
	if a.deps.StepUp == nil {
		a.auditDenied(r, actor, string(access.ReasonStepUpMissing), map[string]any{
			"action": action,
		})
		handleAccessError(w, r, access.ErrUnavailable)
		return false
	}
	if err := a.deps.StepUp.CheckGrant(r.Context(), actor.IdentityID, action); err != nil {
		handleAccessError(w, r, err)
		return false
	}
	return true
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
