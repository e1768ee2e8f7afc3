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

// ProvisionResult is what Provision returns: the trial record plus the tenant
// and admin identity it materialized. Replays return the originally stored
// pair with Replayed set.
type ProvisionResult struct {
	Trial    *TrialRecord
	Tenant   *Tenant
	Admin    *Identity
	Replayed bool
}

// TrialService runs the trial signup and provisioning flow.
type TrialService struct {
	store Store
	cfg   Config
	emit  audit.Emitter
	now   func() time.Time
}

// TrialOption configures TrialService.
type TrialOption func(*TrialService)

// WithTrialClock overrides the time source.
func WithTrialClock(fn func() time.Time) TrialOption {
	return func(s *TrialService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTrialService constructs a TrialService.
func NewTrialService(store Store, cfg Config, emitter audit.Emitter, opts ...TrialOption) *TrialService {
	s := &TrialService{store: store, cfg: cfg, emit: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup records a trial request. A pending request already exists for the
// same email is a conflict; provisioned or expired ones do not block a new
// signup.
func (s *TrialService) Signup(ctx context.Context, companyName, email string) (*TrialRecord, error) {
	companyName = strings.TrimSpace(companyName)
	email = normalizeEmail(email)
	if companyName == "" || email == "" {
		return nil, fmt.Errorf("%w: company name and email are required", ErrInvalidInput)
	}
	if existing, err := s.store.Trials(ctx).FindPendingByEmail(ctx, email); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: trial already requested for %s", ErrConflict, email)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	trial := &TrialRecord{
		ID:          ids.New(),
		CompanyName: companyName,
		Email:       email,
		Status:      TrialPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TrialTTL),
	}
	if err := s.store.Trials(ctx).Create(ctx, trial); err != nil {
		return nil, err
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:   "trial.signup",
		Result: audit.ResultSuccess,
		Fields: map[string]any{"trial_id": trial.ID, "company": companyName, "email": email},
	})
	return trial, nil
}

// Provision turns a pending trial into a tenant with an active admin
// identity. The operation is idempotent: provisioning an already-provisioned
// trial returns the stored tenant/admin pair without creating anything.
func (s *TrialService) Provision(ctx context.Context, trialID, adminPassword string) (*ProvisionResult, error) {
	trial, err := s.store.Trials(ctx).Find(ctx, trialID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	if trial.Status == TrialProvisioned || trial.Status == TrialConverted {
		tenant, err := s.store.Tenants(ctx).Find(ctx, trial.TenantID)
		if err != nil {
			return nil, err
		}
		admin, err := s.store.Identities(ctx).Find(ctx, trial.AdminIdentityID)
		if err != nil {
			return nil, err
		}
		audit.Emit(ctx, s.emit, audit.Event{
			Type:     "trial.provision",
			TenantID: trial.TenantID,
			Result:   audit.ResultSuccess,
			Reason:   "already_provisioned",
			Fields:   map[string]any{"trial_id": trialID},
		})
		return &ProvisionResult{Trial: trial, Tenant: tenant, Admin: admin, Replayed: true}, nil
	}
	if trial.Status == TrialExpired || !trial.ExpiresAt.After(now) {
		audit.Emit(ctx, s.emit, audit.Event{
			Type:   "trial.provision",
			Result: audit.ResultFailure,
			Reason: string(ReasonExpired),
			Fields: map[string]any{"trial_id": trialID},
		})
		return nil, fmt.Errorf("%w: trial window closed", ErrExpiredToken)
	}
	if err := s.cfg.Password.Validate(adminPassword); err != nil {
		return nil, err
	}
	hash, err := HashPassword(adminPassword)
	if err != nil {
		return nil, err
	}

	tenant := &Tenant{
		ID:        ids.New(),
		Name:      trial.CompanyName,
		CreatedAt: now,
	}
	admin := &Identity{
		ID:           ids.New(),
		TenantID:     tenant.ID,
		Email:        trial.Email,
		PasswordHash: hash,
		Status:       IdentityActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	membership := &Membership{
		IdentityID: admin.ID,
		TenantID:   tenant.ID,
		RoleCode:   "admin",
		CreatedAt:  now,
	}
	stored, err := s.store.Trials(ctx).Provision(ctx, trialID, now, tenant, admin, membership)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// A concurrent provision may have won the race; serve its result.
	if stored.AdminIdentityID != admin.ID {
		winTenant, err := s.store.Tenants(ctx).Find(ctx, stored.TenantID)
		if err != nil {
			return nil, err
		}
		winAdmin, err := s.store.Identities(ctx).Find(ctx, stored.AdminIdentityID)
		if err != nil {
			return nil, err
		}
		return &ProvisionResult{Trial: stored, Tenant: winTenant, Admin: winAdmin, Replayed: true}, nil
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:     "trial.provision",
		TenantID: tenant.ID,
		Result:   audit.ResultSuccess,
		Fields:   map[string]any{"trial_id": trialID, "admin_id": admin.ID},
	})
	return &ProvisionResult{Trial: stored, Tenant: tenant, Admin: admin}, nil
}

// ExpireStale marks pending trials past their window.
func (s *TrialService) ExpireStale(ctx context.Context) (int, error) {
	return s.store.Trials(ctx).ExpirePendingBefore(ctx, s.now().UTC())
}
