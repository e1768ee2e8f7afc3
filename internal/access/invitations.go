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

// InvitationService issues, resends, revokes and consumes tenant-scoped
// invitation tokens.
type InvitationService struct {
	store Store
	cfg   Config
	emit  audit.Emitter
	now   func() time.Time
}

// InvitationOption configures InvitationService.
type InvitationOption func(*InvitationService)

// WithInvitationClock overrides the time source.
func WithInvitationClock(fn func() time.Time) InvitationOption {
	return func(s *InvitationService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInvitationService constructs an InvitationService.
func NewInvitationService(store Store, cfg Config, emitter audit.Emitter, opts ...InvitationOption) *InvitationService {
	s := &InvitationService{store: store, cfg: cfg, emit: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues an invitation and returns its plaintext token once. Per-tenant
// rate limiting is enforced by the gateway before this call.
func (s *InvitationService) Create(ctx context.Context, tenantID, email, roleCode, createdBy string) (*Invitation, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	email = normalizeEmail(email)
	roleCode = strings.TrimSpace(strings.ToLower(roleCode))
	if tenantID == "" || email == "" || roleCode == "" {
		return nil, "", fmt.Errorf("%w: tenant, email and role are required", ErrInvalidInput)
	}
	if _, err := s.store.Tenants(ctx).Find(ctx, tenantID); err != nil {
		return nil, "", err
	}

	secret, err := ids.NewSecret(32)
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	inv := &Invitation{
		ID:        ids.New(),
		TenantID:  tenantID,
		Email:     email,
		RoleCode:  roleCode,
		TokenHash: HashToken(secret),
		Status:    InvitationPending,
		ExpiresAt: now.Add(s.cfg.InvitationTTL),
		CreatedBy: createdBy,
		CreatedAt: now,
	}
	if err := s.store.Invitations(ctx).Create(ctx, inv); err != nil {
		return nil, "", err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "invitation.create",
		ActorID:  createdBy,
		TenantID: tenantID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"invitation_id": inv.ID, "email": email, "role": roleCode},
	})
	return inv, secret, nil
}

// Resend rotates the invitation token, extends its expiry and returns the new
// plaintext. Resends are bounded by the configured cap.
func (s *InvitationService) Resend(ctx context.Context, invitationID string) (*Invitation, string, error) {
	inv, err := s.store.Invitations(ctx).Find(ctx, invitationID)
	if err != nil {
		return nil, "", err
	}
	if inv.Status != InvitationPending {
		return nil, "", fmt.Errorf("%w: invitation is %s", ErrConflict, inv.Status)
	}
	count, err := s.store.Invitations(ctx).IncrementResend(ctx, invitationID)
	if err != nil {
		return nil, "", err
	}
	if count > s.cfg.ResendMax {
		audit.Emit(ctx, s.emit, audit.Event{
			Type:     "invitation.resend",
			TenantID: inv.TenantID,
			Result:   audit.ResultFailure,
			Reason:   "max_resends",
			Fields:   map[string]any{"invitation_id": invitationID},
		})
		return nil, "", ErrMaxResends
	}

	secret, err := ids.NewSecret(32)
	if err != nil {
		return nil, "", err
	}
	expiresAt := s.now().UTC().Add(s.cfg.InvitationTTL)
	if err := s.store.Invitations(ctx).RotateToken(ctx, invitationID, HashToken(secret), expiresAt); err != nil {
		return nil, "", err
	}
	inv.ResendCount = count
	inv.ExpiresAt = expiresAt
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "invitation.resend",
		TenantID: inv.TenantID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"invitation_id": invitationID, "resend_count": count},
	})
	return inv, secret, nil
}

// Revoke cancels a pending invitation.
func (s *InvitationService) Revoke(ctx context.Context, invitationID, actorID string) (*Invitation, error) {
	inv, err := s.store.Invitations(ctx).Find(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvitationPending {
		return nil, fmt.Errorf("%w: invitation is %s", ErrConflict, inv.Status)
	}
	if err := s.store.Invitations(ctx).Revoke(ctx, invitationID); err != nil {
		return nil, err
	}
	inv.Status = InvitationRevoked
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "invitation.revoke",
		ActorID:  actorID,
		TenantID: inv.TenantID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"invitation_id": invitationID},
	})
	return inv, nil
}

// Accept consumes the invitation token and creates the identity plus tenant
// membership atomically: either both are persisted or neither is. Possession
// of the token proves address ownership, so the identity starts active.
func (s *InvitationService) Accept(ctx context.Context, rawToken, password string) (*Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	if err := s.cfg.Password.Validate(password); err != nil {
		return nil, err
	}

	inv, err := s.store.Invitations(ctx).FindByHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.fail(ctx, "", ReasonNotFound, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := s.now().UTC()
	switch {
	case inv.Status == InvitationRevoked:
		return nil, s.fail(ctx, inv.TenantID, ReasonRevoked, ErrRevoked)
	case inv.Status == InvitationAccepted || inv.ConsumedAt != nil:
		return nil, s.fail(ctx, inv.TenantID, ReasonAlreadyUsed, ErrAlreadyUsedToken)
	case !inv.ExpiresAt.After(now):
		return nil, s.fail(ctx, inv.TenantID, ReasonExpired, ErrExpiredToken)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	identity := &Identity{
		ID:           ids.New(),
		TenantID:     inv.TenantID,
		Email:        inv.Email,
		PasswordHash: hash,
		Status:       IdentityActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	membership := &Membership{
		IdentityID: identity.ID,
		TenantID:   inv.TenantID,
		RoleCode:   inv.RoleCode,
		CreatedAt:  now,
	}
	if err := s.store.Invitations(ctx).Accept(ctx, inv.ID, now, identity, membership); err != nil {
		if errors.Is(err, ErrAlreadyUsedToken) {
			return nil, s.fail(ctx, inv.TenantID, ReasonAlreadyUsed, ErrAlreadyUsedToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "invitation.accept",
		ActorID:  identity.ID,
		TenantID: inv.TenantID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"invitation_id": inv.ID, "role": inv.RoleCode},
	})
	return identity, nil
}

// Find loads an invitation by id.
func (s *InvitationService) Find(ctx context.Context, invitationID string) (*Invitation, error) {
	return s.store.Invitations(ctx).Find(ctx, invitationID)
}

// ExpireStale marks pending invitations past their expiry.
func (s *InvitationService) ExpireStale(ctx context.Context) (int, error) {
	return s.store.Invitations(ctx).ExpirePendingBefore(ctx, s.now().UTC())
}

func (s *InvitationService) fail(ctx context.Context, tenantID string, reason Reason, err error) error {
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "invitation.accept",
		TenantID: tenantID,
		Result:   audit.ResultFailure,
		Reason:   string(reason),
	})
	return err
}
