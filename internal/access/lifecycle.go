package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenauth.io/internal/audit"
	"tenauth.io/internal/ids"
)

// IdentityService owns the identity status state machine and the password
// flows that mutate it.
type IdentityService struct {
	store Store
	cfg   Config
	emit  audit.Emitter
	now   func() time.Time
}

// IdentityOption configures IdentityService.
type IdentityOption func(*IdentityService)

// WithIdentityClock overrides the time source.
func WithIdentityClock(fn func() time.Time) IdentityOption {
	return func(s *IdentityService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewIdentityService constructs an IdentityService.
func NewIdentityService(store Store, cfg Config, emitter audit.Emitter, opts ...IdentityOption) *IdentityService {
	s := &IdentityService{store: store, cfg: cfg, emit: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allowed status transitions. Deactivated is terminal.
func canTransition(from, to IdentityStatus) bool {
	switch from {
	case IdentityUnverified:
		return to == IdentityActive || to == IdentityDeactivated
	case IdentityActive:
		return to == IdentitySuspended || to == IdentityLocked || to == IdentityDeactivated
	case IdentitySuspended, IdentityLocked:
		return to == IdentityActive || to == IdentityDeactivated
	case IdentityDeactivated:
		return false
	}
	return false
}

// Register creates an unverified identity and issues its verification token.
func (s *IdentityService) Register(ctx context.Context, email, password string) (*Identity, *IssuedToken, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if err := s.cfg.Password.Validate(password); err != nil {
		return nil, nil, err
	}
	if existing, err := s.store.Identities(ctx).FindByEmail(ctx, email); err == nil && existing != nil {
		return nil, nil, ErrConflict
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	identity := &Identity{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Status:       IdentityUnverified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Identities(ctx).Create(ctx, identity); err != nil {
		return nil, nil, err
	}
	issued, err := s.issueToken(ctx, identity.ID, TokenEmailVerify, s.cfg.VerificationTTL)
	if err != nil {
		return nil, nil, err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "identity.register",
		ActorID: identity.ID,
		Result:  audit.ResultSuccess,
		Fields:  map[string]any{"email": email},
	})
	return identity, issued, nil
}

// VerifyEmail consumes a verification token and activates the identity.
func (s *IdentityService) VerifyEmail(ctx context.Context, rawToken string) (*Identity, error) {
	tok, err := s.consumeToken(ctx, TokenEmailVerify, rawToken)
	if err != nil {
		return nil, err
	}
	identity, err := s.store.Identities(ctx).Find(ctx, tok.IdentityID)
	if err != nil {
		return nil, err
	}
	if !canTransition(identity.Status, IdentityActive) {
		return nil, s.fail(ctx, "identity.verify_email", identity.ID, ReasonStatus, ErrConflict)
	}
	if err := s.store.Identities(ctx).UpdateStatus(ctx, identity.ID, IdentityActive); err != nil {
		return nil, err
	}
	identity.Status = IdentityActive
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "identity.verify_email",
		ActorID: identity.ID,
		Result:  audit.ResultSuccess,
	})
	return identity, nil
}

// ResendVerification re-issues the verification token, bounded by the resend
// cap. The response is uniform whether or not the email exists.
func (s *IdentityService) ResendVerification(ctx context.Context, email string) (*IssuedToken, error) {
	identity, err := s.store.Identities(ctx).FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if identity.Status != IdentityUnverified {
		return nil, nil
	}
	issued, err := s.store.Tokens(ctx).CountForIdentity(ctx, identity.ID, TokenEmailVerify)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// The initial token counts as one issuance.
	if issued > s.cfg.ResendMax {
		return nil, ErrMaxResends
	}
	return s.issueToken(ctx, identity.ID, TokenEmailVerify, s.cfg.VerificationTTL)
}

// Authenticate verifies email/password and enforces lockout. The
// failed-attempt counter resets only on success; lockout clears only via
// duration expiry or an explicit unlock.
func (s *IdentityService) Authenticate(ctx context.Context, email, password string) (*Identity, error) {
	email = normalizeEmail(email)
	identity, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.fail(ctx, "identity.login", "", ReasonNotFound, ErrInvalidCredential)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.now().UTC()
	if identity.Status == IdentityLocked {
		if identity.LockedUntil != nil && !identity.LockedUntil.After(now) {
			// Lockout duration elapsed; eligible for automatic unlock.
			if err := s.unlock(ctx, identity); err != nil {
				return nil, err
			}
		} else {
			return nil, s.fail(ctx, "identity.login", identity.ID, ReasonLocked, ErrAccountLocked)
		}
	}
	if identity.Status != IdentityActive {
		return nil, s.fail(ctx, "identity.login", identity.ID, ReasonStatus, ErrInvalidCredential)
	}

	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		count, recErr := s.store.Identities(ctx).RecordFailure(ctx, identity.ID)
		if recErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, recErr)
		}
		if count >= s.cfg.LockoutThreshold {
			until := now.Add(s.cfg.LockoutDuration)
			if lockErr := s.store.Identities(ctx).Lock(ctx, identity.ID, until); lockErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, lockErr)
			}
			audit.Emit(ctx, s.emit, audit.Event{
				Type:    "identity.lockout",
				ActorID: identity.ID,
				Result:  audit.ResultFailure,
				Reason:  string(ReasonLocked),
				Fields:  map[string]any{"failed_attempts": count, "locked_until": until},
			})
			return nil, ErrAccountLocked
		}
		return nil, s.fail(ctx, "identity.login", identity.ID, ReasonBadPassword, ErrInvalidCredential)
	}

	if err := s.store.Identities(ctx).ResetFailures(ctx, identity.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.store.Identities(ctx).RecordLogin(ctx, identity.ID, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	identity.LastLoginAt = &now
	identity.FailedAttempts = 0
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "identity.login",
		ActorID:  identity.ID,
		TenantID: identity.TenantID,
		Result:   audit.ResultSuccess,
	})
	return identity, nil
}

// Suspend moves an active identity to suspended (administrative action).
func (s *IdentityService) Suspend(ctx context.Context, identityID, actorID string) error {
	return s.transition(ctx, "identity.suspend", identityID, actorID, IdentitySuspended)
}

// Reactivate moves a suspended or locked identity back to active. Self
// reactivation is honored only when configured.
func (s *IdentityService) Reactivate(ctx context.Context, identityID, actorID string) error {
	if identityID == actorID && !s.cfg.SelfReactivation {
		return s.fail(ctx, "identity.reactivate", identityID, ReasonStatus, ErrScopeInsufficient)
	}
	return s.transition(ctx, "identity.reactivate", identityID, actorID, IdentityActive)
}

// Deactivate is terminal; the identity can never re-enter active.
func (s *IdentityService) Deactivate(ctx context.Context, identityID, actorID string) error {
	return s.transition(ctx, "identity.deactivate", identityID, actorID, IdentityDeactivated)
}

// ChangeRole reassigns the identity's role within tenantID. The identity must
// already hold a membership there; callers cannot change their own role.
func (s *IdentityService) ChangeRole(ctx context.Context, identityID, tenantID, roleCode, actorID string) (*Membership, error) {
	roleCode = strings.ToLower(strings.TrimSpace(roleCode))
	if roleCode == "" {
		return nil, fmt.Errorf("%w: role_code is required", ErrInvalidInput)
	}
	if identityID == actorID {
		return nil, s.fail(ctx, "identity.role_change", identityID, ReasonScope, ErrScopeInsufficient)
	}
	identity, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if tenantID == "" || identity.TenantID != tenantID {
		return nil, fmt.Errorf("%w: identity %s", ErrTenantMismatch, identityID)
	}
	memberships, err := s.store.Memberships(ctx).ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var current *Membership
	for i := range memberships {
		if memberships[i].TenantID == tenantID {
			current = &memberships[i]
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("%w: membership for identity %s", ErrNotFound, identityID)
	}
	if current.RoleCode == roleCode {
		return current, nil
	}
	updated := Membership{
		IdentityID: identityID,
		TenantID:   tenantID,
		RoleCode:   roleCode,
		CreatedAt:  current.CreatedAt,
	}
	if err := s.store.Memberships(ctx).Create(ctx, &updated); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "identity.role_change",
		ActorID:  actorID,
		TenantID: tenantID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"identity_id": identityID, "from": current.RoleCode, "to": roleCode},
	})
	return &updated, nil
}

// Unlock clears a lockout ahead of its duration (administrative action).
func (s *IdentityService) Unlock(ctx context.Context, identityID, actorID string) error {
	identity, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.Status != IdentityLocked {
		return fmt.Errorf("%w: identity is not locked", ErrConflict)
	}
	if err := s.unlock(ctx, identity); err != nil {
		return err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "identity.unlock",
		ActorID: actorID,
		Result:  audit.ResultSuccess,
		Fields:  map[string]any{"identity_id": identityID},
	})
	return nil
}

// SweepInactive suspends active identities with no login since the configured
// inactivity threshold. Returns the number suspended.
func (s *IdentityService) SweepInactive(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.InactivityDays)
	stale, err := s.store.Identities(ctx).ListInactiveSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var n int
	for _, identity := range stale {
		if identity.Status != IdentityActive {
			continue
		}
		if err := s.store.Identities(ctx).UpdateStatus(ctx, identity.ID, IdentitySuspended); err != nil {
			return n, err
		}
		n++
		audit.Emit(ctx, s.emit, audit.Event{
			Type:    "identity.suspend",
			ActorID: "system",
			Result:  audit.ResultSuccess,
			Reason:  "inactivity",
			Fields:  map[string]any{"identity_id": identity.ID, "cutoff": cutoff},
		})
	}
	return n, nil
}

// RequestPasswordReset issues a reset token. The caller-facing behavior is
// identical whether or not the email exists, to avoid enumeration; the rate
// limit on this flow is enforced by the gateway per email address.
func (s *IdentityService) RequestPasswordReset(ctx context.Context, email string) (*IssuedToken, error) {
	identity, err := s.store.Identities(ctx).FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			audit.Emit(ctx, s.emit, audit.Event{
				Type:   "identity.reset_request",
				Result: audit.ResultFailure,
				Reason: string(ReasonNotFound),
			})
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	issued, err := s.issueToken(ctx, identity.ID, TokenPasswordReset, s.cfg.ResetTTL)
	if err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "identity.reset_request",
		ActorID: identity.ID,
		Result:  audit.ResultSuccess,
	})
	return issued, nil
}

// ConfirmPasswordReset consumes a reset token and sets the new password,
// refusing reuse of the last N password hashes.
func (s *IdentityService) ConfirmPasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if err := s.cfg.Password.Validate(newPassword); err != nil {
		return err
	}
	tok, err := s.consumeToken(ctx, TokenPasswordReset, rawToken)
	if err != nil {
		return err
	}
	identity, err := s.store.Identities(ctx).Find(ctx, tok.IdentityID)
	if err != nil {
		return err
	}
	// The current hash is not part of the history ring until it is rotated
	// out, so check it separately.
	if VerifyPassword(identity.PasswordHash, newPassword) == nil {
		return fmt.Errorf("%w: cannot reuse a recent password", ErrInvalidInput)
	}
	if s.cfg.Password.HistoryCount > 0 {
		history, err := s.store.Identities(ctx).PasswordHistory(ctx, tok.IdentityID, s.cfg.Password.HistoryCount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, oldHash := range history {
			if VerifyPassword(oldHash, newPassword) == nil {
				return fmt.Errorf("%w: cannot reuse a recent password", ErrInvalidInput)
			}
		}
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Identities(ctx).SetPassword(ctx, tok.IdentityID, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Archive the hash being rotated out; the live hash is covered by the
	// direct comparison above.
	if err := s.store.Identities(ctx).AppendPasswordHistory(ctx, tok.IdentityID, identity.PasswordHash); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_ = s.store.Identities(ctx).ResetFailures(ctx, tok.IdentityID)
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "identity.reset_confirm",
		ActorID: tok.IdentityID,
		Result:  audit.ResultSuccess,
	})
	return nil
}

// Find loads an identity.
func (s *IdentityService) Find(ctx context.Context, id string) (*Identity, error) {
	return s.store.Identities(ctx).Find(ctx, id)
}

func (s *IdentityService) transition(ctx context.Context, event, identityID, actorID string, to IdentityStatus) error {
	identity, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if !canTransition(identity.Status, to) {
		return s.fail(ctx, event, actorID, ReasonStatus,
			fmt.Errorf("%w: cannot move %s from %s to %s", ErrConflict, identityID, identity.Status, to))
	}
	if err := s.store.Identities(ctx).UpdateStatus(ctx, identityID, to); err != nil {
		return err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    event,
		ActorID: actorID,
		Result:  audit.ResultSuccess,
		Fields:  map[string]any{"identity_id": identityID, "from": identity.Status, "to": to},
	})
	return nil
}

func (s *IdentityService) unlock(ctx context.Context, identity *Identity) error {
	if err := s.store.Identities(ctx).UpdateStatus(ctx, identity.ID, IdentityActive); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.store.Identities(ctx).ResetFailures(ctx, identity.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	identity.Status = IdentityActive
	identity.FailedAttempts = 0
	identity.LockedUntil = nil
	return nil
}

func (s *IdentityService) issueToken(ctx context.Context, identityID string, purpose TokenPurpose, ttl time.Duration) (*IssuedToken, error) {
	secret, err := ids.NewSecret(32)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	tok := &Token{
		ID:         ids.New(),
		IdentityID: identityID,
		Purpose:    purpose,
		TokenHash:  HashToken(secret),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.store.Tokens(ctx).Create(ctx, tok); err != nil {
		return nil, err
	}
	return &IssuedToken{Plaintext: secret, ExpiresAt: tok.ExpiresAt}, nil
}

func (s *IdentityService) consumeToken(ctx context.Context, purpose TokenPurpose, rawToken string) (*Token, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	tok, err := s.store.Tokens(ctx).FindByHash(ctx, purpose, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.fail(ctx, "token.consume", "", ReasonNotFound, ErrInvalidCredential)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tok.ConsumedAt != nil {
		return nil, s.fail(ctx, "token.consume", tok.IdentityID, ReasonAlreadyUsed, ErrAlreadyUsedToken)
	}
	now := s.now().UTC()
	if !tok.ExpiresAt.After(now) {
		return nil, s.fail(ctx, "token.consume", tok.IdentityID, ReasonExpired, ErrExpiredToken)
	}
	if err := s.store.Tokens(ctx).Consume(ctx, tok.ID, now); err != nil {
		if errors.Is(err, ErrAlreadyUsedToken) {
			return nil, s.fail(ctx, "token.consume", tok.IdentityID, ReasonAlreadyUsed, ErrAlreadyUsedToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tok, nil
}

func (s *IdentityService) fail(ctx context.Context, event, actorID string, reason Reason, err error) error {
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    event,
		ActorID: actorID,
		Result:  audit.ResultFailure,
		Reason:  string(reason),
	})
	return err
}

func normalizeEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}
