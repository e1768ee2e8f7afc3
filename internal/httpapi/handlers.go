package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenauth.io/internal/access"
	"tenauth.io/internal/audit"
	"tenauth.io/internal/obs"
	"tenauth.io/internal/ratelimit"
)

// ReadyProbe checks downstream readiness (database ping and the like).
type ReadyProbe struct {
	Check func(ctx context.Context) error
}

func (rp ReadyProbe) ok(ctx context.Context) error {
	if rp.Check == nil {
		return nil
	}
	return rp.Check(ctx)
}

// Deps wires the engine services into the HTTP layer.
type Deps struct {
	Store       access.Store
	Credentials *access.CredentialService
	Identities  *access.IdentityService
	Invitations *access.InvitationService
	Trials      *access.TrialService
	StepUp      *access.StepUpService
	Sessions    *access.SessionManager
	Limiter     *ratelimit.Limiter
	Emitter     audit.Emitter
	Config      access.Config

	// AllowQueryKey enables the api_key query parameter path. Off by default;
	// requests that use it are marked low-trust.
	AllowQueryKey bool

	Ready   ReadyProbe
	Version string
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps

	rateBurst  int
	ratePerSec int
}

func New(deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		deps:       deps,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// identity lifecycle
	a.mux.HandleFunc("/v1/identities", a.handleIdentities)
	a.mux.HandleFunc("/v1/identities/", a.handleIdentityScoped)
	a.mux.HandleFunc("/v1/identities/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/identities/resend-verification", a.handleResendVerification)

	// sessions and step-up
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/stepup", a.handleStepUp)
	a.mux.HandleFunc("/v1/auth/password-reset", a.handlePasswordResetRequest)
	a.mux.HandleFunc("/v1/auth/password-reset/confirm", a.handlePasswordResetConfirm)

	// invitations
	a.mux.HandleFunc("/v1/invitations", a.handleInvitations)
	a.mux.HandleFunc("/v1/invitations/accept", a.handleInvitationAccept)
	a.mux.HandleFunc("/v1/invitations/", a.handleInvitationScoped)

	// trials
	a.mux.HandleFunc("/v1/trials", a.handleTrials)
	a.mux.HandleFunc("/v1/trials/", a.handleTrialScoped)

	// API keys
	a.mux.HandleFunc("/v1/keys", a.handleKeys)
	a.mux.HandleFunc("/v1/keys/", a.handleKeyScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = WithCorrelation(h)
	return obs.Instrument(h)
}

// --- probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tenauth-api",
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.ok(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tenauth-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- rate limiting ---

// allowRate charges one unit against the action's window. A limiter outage
// fails open with a log line; throttling the control plane on a cache blip
// hurts more than one uncounted request.
func (a *API) allowRate(w http.ResponseWriter, r *http.Request, action, subject string) bool {
	if a.deps.Limiter == nil {
		return true
	}
	d, err := a.deps.Limiter.CheckAndIncrement(r.Context(), action, subject)
	if err != nil {
		obs.LogRequest(map[string]any{
			"msg":    "rate limiter unavailable",
			"action": action,
			"error":  err.Error(),
		})
		return true
	}
	if !d.Allowed {
		audit.Emit(r.Context(), a.deps.Emitter, audit.Event{
			Type:   "gateway.rate_limit",
			Result: audit.ResultThrottled,
			Reason: "window_exhausted",
			Fields: map[string]any{
				"action":      action,
				"subject":     subject,
				"retry_after": d.RetryAfter.String(),
			},
		})
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		handleAccessError(w, r, access.ErrRateLimited)
		return false
	}
	return true
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if cid := audit.CorrelationIDFromContext(r.Context()); cid != "" {
		payload["correlation_id"] = cid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAccessError maps engine sentinels onto HTTP statuses. Unknown errors
// are a 500 with no detail leaked.
func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, access.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrInvalidCredential), errors.Is(err, access.ErrInvalidSession):
		unauthorized(w, r, "invalid credentials")
	case errors.Is(err, access.ErrAccountLocked):
		writeError(w, r, http.StatusForbidden, "account locked")
	case errors.Is(err, access.ErrExpiredToken):
		writeError(w, r, http.StatusGone, "token expired")
	case errors.Is(err, access.ErrAlreadyUsedToken):
		writeError(w, r, http.StatusConflict, "token already used")
	case errors.Is(err, access.ErrRevoked):
		writeError(w, r, http.StatusConflict, "revoked")
	case errors.Is(err, access.ErrMaxResends):
		writeError(w, r, http.StatusTooManyRequests, "resend limit reached")
	case errors.Is(err, access.ErrScopeInsufficient):
		writeError(w, r, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, access.ErrTenantMismatch):
		writeError(w, r, http.StatusForbidden, "tenant mismatch")
	case errors.Is(err, access.ErrStepUpRequired):
		writeError(w, r, http.StatusForbidden, "step-up verification required")
	case errors.Is(err, access.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, access.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
