package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenauth.io/internal/audit"
	"tenauth.io/internal/ids"
	"tenauth.io/internal/obs"
)

// Validation is the result of a successful credential check.
type Validation struct {
	CredentialID string
	TenantID     string
	Scopes       []string
}

// CredentialService validates and manages API credentials.
type CredentialService struct {
	store Store
	emit  audit.Emitter
	now   func() time.Time
}

// CredentialOption configures CredentialService.
type CredentialOption func(*CredentialService)

// WithCredentialClock overrides the time source.
func WithCredentialClock(fn func() time.Time) CredentialOption {
	return func(s *CredentialService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewCredentialService constructs a CredentialService.
func NewCredentialService(store Store, emitter audit.Emitter, opts ...CredentialOption) *CredentialService {
	s := &CredentialService{store: store, emit: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a raw API key against storage: existence, revocation,
// expiry and the optional IP allow-list. The internal failure reason is
// audited in full; callers surface a uniform error to the actor.
func (s *CredentialService) Validate(ctx context.Context, rawKey, sourceIP string) (Validation, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return s.reject(ctx, "", "", ReasonNotFound, ErrInvalidCredential)
	}

	// Lookup is by digest, so no early-exit comparison ever touches the
	// raw secret.
	keyHash := HashToken(rawKey)
	cred, err := s.store.Credentials(ctx).FindByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.reject(ctx, "", "", ReasonNotFound, ErrInvalidCredential)
		}
		return s.reject(ctx, "", "", ReasonUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	if !hashEqual(cred.KeyHash, keyHash) {
		return s.reject(ctx, cred.ID, cred.TenantID, ReasonNotFound, ErrInvalidCredential)
	}

	now := s.now().UTC()
	if cred.Status == CredentialRevoked || cred.RevokedAt != nil {
		return s.reject(ctx, cred.ID, cred.TenantID, ReasonRevoked, ErrRevoked)
	}
	if cred.ExpiresAt != nil && !cred.ExpiresAt.After(now) {
		return s.reject(ctx, cred.ID, cred.TenantID, ReasonExpired, ErrInvalidCredential)
	}
	if len(cred.IPAllowList) > 0 && !ipAllowed(sourceIP, cred.IPAllowList) {
		return s.reject(ctx, cred.ID, cred.TenantID, ReasonIPNotAllowed, ErrInvalidCredential)
	}

	// Best effort, off the request path.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = s.store.Credentials(touchCtx).Touch(touchCtx, cred.ID, now)
	}()

	obs.ObserveValidation("valid", "")
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "credential.validate",
		ActorID:  cred.ID,
		TenantID: cred.TenantID,
		Result:   audit.ResultSuccess,
	})
	return Validation{
		CredentialID: cred.ID,
		TenantID:     cred.TenantID,
		Scopes:       append([]string(nil), cred.Scopes...),
	}, nil
}

// RequireScope ensures the validation carries the named scope.
func (s *CredentialService) RequireScope(ctx context.Context, v Validation, scope string) error {
	for _, got := range v.Scopes {
		if got == scope || got == ScopeAdmin {
			return nil
		}
	}
	obs.ObserveValidation("invalid", string(ReasonScope))
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "credential.scope_check",
		ActorID:  v.CredentialID,
		TenantID: v.TenantID,
		Result:   audit.ResultFailure,
		Reason:   string(ReasonScope),
		Fields:   map[string]any{"required_scope": scope},
	})
	return ErrScopeInsufficient
}

// CreateKey mints a credential and returns the plaintext key exactly once.
func (s *CredentialService) CreateKey(ctx context.Context, tenantID, name, createdBy string, scopes, ipAllowList []string, ttl time.Duration) (*Credential, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: key name is required", ErrInvalidInput)
	}
	secret, err := ids.NewSecret(32)
	if err != nil {
		return nil, "", err
	}
	id := ids.New()
	plaintext := KeyPrefix + strings.ToLower(id[:8]) + "_" + secret

	now := s.now().UTC()
	cred := &Credential{
		ID:          id,
		TenantID:    tenantID,
		Name:        name,
		KeyHash:     HashToken(plaintext),
		KeyPrefix:   plaintext[:12],
		Scopes:      dedupeScopes(scopes),
		Status:      CredentialActive,
		IPAllowList: append([]string(nil), ipAllowList...),
		CreatedBy:   createdBy,
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		cred.ExpiresAt = &exp
	}
	if err := s.store.Credentials(ctx).Create(ctx, cred); err != nil {
		return nil, "", err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "credential.create",
		ActorID:  createdBy,
		TenantID: tenantID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"credential_id": cred.ID, "name": name, "scopes": cred.Scopes},
	})
	return cred, plaintext, nil
}

// RevokeKey revokes a credential; the transition is terminal.
func (s *CredentialService) RevokeKey(ctx context.Context, keyID, revokedBy, reason string) error {
	if strings.TrimSpace(keyID) == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidInput)
	}
	if err := s.store.Credentials(ctx).Revoke(ctx, keyID, revokedBy, reason); err != nil {
		return err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "credential.revoke",
		ActorID: revokedBy,
		Result:  audit.ResultSuccess,
		Fields:  map[string]any{"credential_id": keyID, "reason": reason},
	})
	return nil
}

// FindKey loads a credential by id.
func (s *CredentialService) FindKey(ctx context.Context, keyID string) (*Credential, error) {
	return s.store.Credentials(ctx).Find(ctx, keyID)
}

// ListKeys returns a tenant's credentials, hashes excluded by serialization.
func (s *CredentialService) ListKeys(ctx context.Context, tenantID string) ([]*Credential, error) {
	return s.store.Credentials(ctx).ListByTenant(ctx, tenantID)
}

func (s *CredentialService) reject(ctx context.Context, credentialID, tenantID string, reason Reason, err error) (Validation, error) {
	obs.ObserveValidation("invalid", string(reason))
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "credential.validate",
		ActorID:  credentialID,
		TenantID: tenantID,
		Result:   audit.ResultFailure,
		Reason:   string(reason),
	})
	return Validation{}, err
}

func ipAllowed(sourceIP string, allowList []string) bool {
	if sourceIP == "" {
		return false
	}
	for _, allowed := range allowList {
		if allowed == sourceIP {
			return true
		}
		// Prefix wildcards of the form "10.1.*".
		if p, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(sourceIP, p) {
			return true
		}
	}
	return false
}

func dedupeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
