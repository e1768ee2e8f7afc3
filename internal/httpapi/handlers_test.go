package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"tenauth.io/internal/access"
	"tenauth.io/internal/audit"
	"tenauth.io/internal/cache"
	"tenauth.io/internal/ratelimit"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	store       *access.MemoryStore
	credentials *access.CredentialService
	identities  *access.IdentityService
	trials      *access.TrialService
}

// recordingEmitter captures audit events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (e *recordingEmitter) Emit(_ context.Context, evt audit.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return nil
}

func (e *recordingEmitter) byType(typ string) []audit.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []audit.Event
	for _, evt := range e.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func newTestAPI(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	store := access.NewMemoryStore()
	cfg := access.DefaultConfig()

	mr := miniredis.RunT(t)
	c := cache.Open(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })

	sessions, err := access.NewSessionManager("test-secret", "tenauth")
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	credentials := access.NewCredentialService(store, nil)
	identities := access.NewIdentityService(store, cfg, nil)
	invitations := access.NewInvitationService(store, cfg, nil)
	trials := access.NewTrialService(store, cfg, nil)
	stepUp := access.NewStepUpService(c, cfg, nil)
	limiter := ratelimit.New(c, ratelimit.Catalog{
		ratelimit.ActionRegistration: {Name: ratelimit.ActionRegistration, Window: time.Hour, Threshold: 100},
	})

	deps := Deps{
		Store:       store,
		Credentials: credentials,
		Identities:  identities,
		Invitations: invitations,
		Trials:      trials,
		StepUp:      stepUp,
		Sessions:    sessions,
		Limiter:     limiter,
		Config:      cfg,
		Version:     "test",
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	api := New(deps)
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient: &apiClient{
			baseURL: srv.URL,
			client:  srv.Client(),
			t:       t,
		},
		store:       store,
		credentials: credentials,
		identities:  identities,
		trials:      trials,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u := path
	if params != nil {
		u += "?" + params.Encode()
	}
	return c.do(http.MethodGet, u, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// signupAndLogin drives the public signup flow end to end and returns the
// session token plus the identity.
func (env *testEnv) signupAndLogin(email, password string) (string, *access.Identity) {
	env.t.Helper()

	resp := env.post("/v1/identities", map[string]any{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusCreated {
		env.t.Fatalf("signup status = %d", resp.StatusCode)
	}
	signup := decode[signupResponse](env.t, resp)
	if signup.Verification.Token == "" {
		env.t.Fatal("signup must return a verification token")
	}

	resp = env.post("/v1/identities/verify-email", map[string]any{"token": signup.Verification.Token}, nil)
	if resp.StatusCode != http.StatusOK {
		env.t.Fatalf("verify status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/login", map[string]any{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		env.t.Fatalf("login status = %d", resp.StatusCode)
	}
	login := decode[loginResponse](env.t, resp)
	if login.Token == "" {
		env.t.Fatal("login must return a session token")
	}
	return login.Token, login.Identity
}

// provisionTenant creates a trial and provisions it, returning an admin
// session token and the tenant id.
func (env *testEnv) provisionTenant(email, password string) (string, string) {
	env.t.Helper()

	resp := env.post("/v1/trials", map[string]any{"company_name": "Acme", "email": email}, nil)
	if resp.StatusCode != http.StatusCreated {
		env.t.Fatalf("trial signup status = %d", resp.StatusCode)
	}
	trial := decode[access.TrialRecord](env.t, resp)

	result, err := env.trials.Provision(env.t.Context(), trial.ID, password)
	if err != nil {
		env.t.Fatalf("provision: %v", err)
	}

	resp = env.post("/v1/auth/login", map[string]any{"email": email, "password": password}, nil)
	if resp.StatusCode != http.StatusOK {
		env.t.Fatalf("admin login status = %d", resp.StatusCode)
	}
	login := decode[loginResponse](env.t, resp)
	return login.Token, result.Tenant.ID
}

func TestAPISignupVerifyLoginFlow(t *testing.T) {
	env := newTestAPI(t)
	token, identity := env.signupAndLogin("user@example.com", "Sup3rsecret")

	resp := env.get("/v1/identities/"+identity.ID, nil, bearer(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get identity status = %d", resp.StatusCode)
	}
	got := decode[access.Identity](t, resp)
	if got.ID != identity.ID || got.Status != access.IdentityActive {
		t.Fatalf("identity = %+v", got)
	}
}

func TestAPIMissingCredentials(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/v1/keys", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got == "" {
		t.Fatal("401 must carry a WWW-Authenticate challenge")
	}
}

func TestAPILoginBadPassword(t *testing.T) {
	env := newTestAPI(t)
	env.signupAndLogin("user@example.com", "Sup3rsecret")

	resp := env.post("/v1/auth/login", map[string]any{"email": "user@example.com", "password": "Wr0ngsecret"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPITrialProvisionWithMachineKey(t *testing.T) {
	env := newTestAPI(t)
	ctx := t.Context()

	// A platform-level provisioning credential (no tenant binding).
	_, key, err := env.credentials.CreateKey(ctx, "", "provisioner", "ops",
		[]string{access.ScopeTrialProvision}, nil, 0)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	resp := env.post("/v1/trials", map[string]any{"company_name": "Acme", "email": "owner@acme.test"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("trial signup status = %d", resp.StatusCode)
	}
	trial := decode[access.TrialRecord](t, resp)

	headers := map[string]string{"Authorization": "ApiKey " + key}
	resp = env.post("/v1/trials/"+trial.ID+"/provision", map[string]any{"admin_password": "Adm1npassword"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("provision status = %d", resp.StatusCode)
	}
	first := decode[provisionResponse](t, resp)
	if first.Replayed || first.Tenant == nil || first.Admin == nil {
		t.Fatalf("provision response = %+v", first)
	}

	// Retrying replays the stored pair with a 200.
	resp = env.post("/v1/trials/"+trial.ID+"/provision", map[string]any{"admin_password": "Adm1npassword"}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	second := decode[provisionResponse](t, resp)
	if !second.Replayed || second.Tenant.ID != first.Tenant.ID || second.Admin.ID != first.Admin.ID {
		t.Fatalf("replay response = %+v", second)
	}
}

func TestAPITrialProvisionRequiresScope(t *testing.T) {
	env := newTestAPI(t)

	_, key, err := env.credentials.CreateKey(t.Context(), "", "reader", "ops",
		[]string{access.ScopeIdentitiesRead}, nil, 0)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	resp := env.post("/v1/trials/some-id/provision", map[string]any{"admin_password": "Adm1npassword"},
		map[string]string{"Authorization": "ApiKey " + key})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAPIScopeRejectionIsAudited(t *testing.T) {
	rec := &recordingEmitter{}
	env := newTestAPI(t, func(d *Deps) { d.Emitter = rec })

	_, key, err := env.credentials.CreateKey(t.Context(), "", "reader", "ops",
		[]string{access.ScopeIdentitiesRead}, nil, 0)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	resp := env.post("/v1/trials/some-id/provision", map[string]any{"admin_password": "Adm1npassword"},
		map[string]string{"Authorization": "ApiKey " + key})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	denied := rec.byType("gateway.authorize")
	if len(denied) != 1 {
		t.Fatalf("gateway.authorize events = %d, want 1", len(denied))
	}
	if denied[0].Reason != "scope_insufficient" {
		t.Fatalf("reason = %q", denied[0].Reason)
	}
	if got := denied[0].Fields["required_scope"]; got != access.ScopeTrialProvision {
		t.Fatalf("required_scope = %v", got)
	}
}

func TestAPIThrottledRequestIsAudited(t *testing.T) {
	rec := &recordingEmitter{}
	env := newTestAPI(t, func(d *Deps) {
		d.Emitter = rec
		mr := miniredis.RunT(t)
		c := cache.Open(mr.Addr(), "", 0)
		t.Cleanup(func() { _ = c.Close() })
		d.Limiter = ratelimit.New(c, ratelimit.Catalog{
			ratelimit.ActionRegistration: {Name: ratelimit.ActionRegistration, Window: time.Hour, Threshold: 1},
		})
	})

	resp := env.post("/v1/identities", map[string]any{"email": "one@example.com", "password": "Sup3rsecret"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first signup status = %d", resp.StatusCode)
	}

	resp = env.post("/v1/identities", map[string]any{"email": "two@example.com", "password": "Sup3rsecret"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second signup status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("throttled response must carry Retry-After")
	}

	throttled := rec.byType("gateway.rate_limit")
	if len(throttled) != 1 {
		t.Fatalf("gateway.rate_limit events = %d, want 1", len(throttled))
	}
	if throttled[0].Result != audit.ResultThrottled {
		t.Fatalf("result = %q, want throttled", throttled[0].Result)
	}
	if got := throttled[0].Fields["action"]; got != ratelimit.ActionRegistration {
		t.Fatalf("action = %v", got)
	}
}

func TestAPIKeyCreateWithoutGrantBackend(t *testing.T) {
	// With no grant backend wired, sensitive actions must be refused, not
	// silently allowed.
	env := newTestAPI(t, func(d *Deps) { d.StepUp = nil })
	adminToken, _ := env.provisionTenant("owner@acme.test", "Adm1npassword")

	resp := env.post("/v1/keys", map[string]any{
		"name":   "ci key",
		"scopes": []string{access.ScopeIdentitiesRead},
	}, bearer(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("key create status = %d, want 503", resp.StatusCode)
	}

	resp = env.post("/v1/auth/stepup", map[string]any{
		"action":   access.ActionKeyCreate,
		"password": "Adm1npassword",
	}, bearer(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("step-up status = %d, want 503", resp.StatusCode)
	}
}

func TestAPIInvitationFlow(t *testing.T) {
	env := newTestAPI(t)
	adminToken, tenantID := env.provisionTenant("owner@acme.test", "Adm1npassword")

	resp := env.post("/v1/invitations", map[string]any{
		"email":     "newhire@acme.test",
		"role_code": "member",
	}, bearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create invitation status = %d", resp.StatusCode)
	}
	created := decode[invitationResponse](t, resp)
	if created.Token == "" || created.Invitation.TenantID != tenantID {
		t.Fatalf("invitation = %+v", created)
	}

	resp = env.post("/v1/invitations/accept", map[string]any{
		"token":    created.Token,
		"password": "J0inersecret",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("accept status = %d", resp.StatusCode)
	}
	joined := decode[access.Identity](t, resp)
	if joined.TenantID != tenantID || joined.Status != access.IdentityActive {
		t.Fatalf("joined identity = %+v", joined)
	}

	// The invited member logs straight in; no verification round trip.
	resp = env.post("/v1/auth/login", map[string]any{"email": "newhire@acme.test", "password": "J0inersecret"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member login status = %d", resp.StatusCode)
	}
}

func TestAPIRoleChangeWithStepUp(t *testing.T) {
	env := newTestAPI(t)
	adminToken, tenantID := env.provisionTenant("owner@acme.test", "Adm1npassword")

	resp := env.post("/v1/invitations", map[string]any{
		"email":     "newhire@acme.test",
		"role_code": "member",
	}, bearer(adminToken))
	created := decode[invitationResponse](t, resp)

	resp = env.post("/v1/invitations/accept", map[string]any{
		"token":    created.Token,
		"password": "J0inersecret",
	}, nil)
	joined := decode[access.Identity](t, resp)

	// Role reassignment is a sensitive action: no grant, no change.
	roleReq := map[string]any{"role_code": "admin"}
	resp = env.post("/v1/identities/"+joined.ID+"/role", roleReq, bearer(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("role change without step-up status = %d, want 403", resp.StatusCode)
	}

	resp = env.post("/v1/auth/stepup", map[string]any{
		"action":   access.ActionRoleChange,
		"password": "Adm1npassword",
	}, bearer(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("step-up status = %d", resp.StatusCode)
	}

	resp = env.post("/v1/identities/"+joined.ID+"/role", roleReq, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("role change status = %d", resp.StatusCode)
	}
	membership := decode[access.Membership](t, resp)
	if membership.TenantID != tenantID || membership.RoleCode != "admin" {
		t.Fatalf("membership = %+v", membership)
	}

	list, err := env.store.Memberships(t.Context()).ListByIdentity(t.Context(), joined.ID)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(list) != 1 || list[0].RoleCode != "admin" {
		t.Fatalf("memberships = %+v", list)
	}
}

func TestAPIInvitationRequiresAdmin(t *testing.T) {
	env := newTestAPI(t)
	token, _ := env.signupAndLogin("plain@example.com", "Sup3rsecret")

	// A session without an admin membership cannot invite.
	resp := env.post("/v1/invitations", map[string]any{
		"tenant_id": "t-1",
		"email":     "x@example.com",
		"role_code": "member",
	}, bearer(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAPIKeyLifecycleWithStepUp(t *testing.T) {
	env := newTestAPI(t)
	adminToken, tenantID := env.provisionTenant("owner@acme.test", "Adm1npassword")

	// Key creation is a sensitive action: without an elevation grant it is
	// refused.
	createReq := map[string]any{"name": "ci key", "scopes": []string{access.ScopeIdentitiesRead}}
	resp := env.post("/v1/keys", createReq, bearer(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("key create without step-up status = %d, want 403", resp.StatusCode)
	}

	// Elevate by re-verifying the password.
	resp = env.post("/v1/auth/stepup", map[string]any{
		"action":   access.ActionKeyCreate,
		"password": "Adm1npassword",
	}, bearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("step-up status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/keys", createReq, bearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("key create status = %d", resp.StatusCode)
	}
	created := decode[createKeyResponse](t, resp)
	if created.Key == "" || created.Credential.TenantID != tenantID {
		t.Fatalf("key response = %+v", created)
	}

	// The minted key authenticates via the X-API-Key header.
	resp = env.get("/v1/identities/"+created.Credential.CreatedBy, nil,
		map[string]string{"X-API-Key": created.Key})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("X-API-Key status = %d", resp.StatusCode)
	}

	resp = env.get("/v1/keys", nil, bearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list keys status = %d", resp.StatusCode)
	}
	list := decode[map[string][]access.Credential](t, resp)
	if len(list["keys"]) != 1 {
		t.Fatalf("keys = %+v", list)
	}

	resp = env.do(http.MethodDelete, "/v1/keys/"+created.Credential.ID, nil, bearer(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}

	// The revoked key no longer authenticates.
	resp = env.get("/v1/identities/"+created.Credential.CreatedBy, nil,
		map[string]string{"X-API-Key": created.Key})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d, want 401", resp.StatusCode)
	}
}

func TestAPIStepUpRejectsWrongPassword(t *testing.T) {
	env := newTestAPI(t)
	adminToken, _ := env.provisionTenant("owner@acme.test", "Adm1npassword")

	resp := env.post("/v1/auth/stepup", map[string]any{
		"action":   access.ActionKeyCreate,
		"password": "Wr0ngsecret",
	}, bearer(adminToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPIQueryKeyDisabledByDefault(t *testing.T) {
	env := newTestAPI(t)

	_, key, err := env.credentials.CreateKey(t.Context(), "", "ops key", "ops",
		[]string{access.ScopeIdentitiesRead}, nil, 0)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	resp := env.get("/v1/keys", url.Values{"api_key": {key}}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPIProbes(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	health := decode[map[string]any](t, resp)
	if health["service"] != "tenauth-api" {
		t.Fatalf("healthz = %+v", health)
	}

	resp = env.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}

func TestAPIRejectsUnknownJSONFields(t *testing.T) {
	env := newTestAPI(t)

	resp := env.post("/v1/identities", map[string]any{
		"email":    "user@example.com",
		"password": "Sup3rsecret",
		"extra":    true,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
