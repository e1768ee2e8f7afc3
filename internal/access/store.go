package access

import (
	"context"
	"time"
)

// Store describes persistence operations required by the engine. Counter
// increments and token consumption are atomic at the storage layer; callers
// never read-modify-write shared state.
type Store interface {
	Tenants(ctx context.Context) TenantStore
	Identities(ctx context.Context) IdentityStore
	Memberships(ctx context.Context) MembershipStore
	Credentials(ctx context.Context) CredentialStore
	Tokens(ctx context.Context) TokenStore
	Invitations(ctx context.Context) InvitationStore
	Trials(ctx context.Context) TrialStore
}

// TenantStore manages tenants.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
}

// IdentityStore manages identities and their durable abuse counters.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	UpdateStatus(ctx context.Context, id string, status IdentityStatus) error
	SetPassword(ctx context.Context, id, passwordHash string) error

	// RecordFailure atomically increments the failed-attempt counter and
	// returns the new value.
	RecordFailure(ctx context.Context, id string) (int, error)
	ResetFailures(ctx context.Context, id string) error
	Lock(ctx context.Context, id string, until time.Time) error
	RecordLogin(ctx context.Context, id string, at time.Time) error

	ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*Identity, error)
	PasswordHistory(ctx context.Context, id string, n int) ([]string, error)
	AppendPasswordHistory(ctx context.Context, id, passwordHash string) error
}

// MembershipStore manages tenant memberships.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	ListByIdentity(ctx context.Context, identityID string) ([]Membership, error)
}

// CredentialStore manages API credentials.
type CredentialStore interface {
	Create(ctx context.Context, c *Credential) error
	Find(ctx context.Context, id string) (*Credential, error)
	FindByHash(ctx context.Context, keyHash string) (*Credential, error)
	Revoke(ctx context.Context, id, revokedBy, reason string) error
	Touch(ctx context.Context, id string, at time.Time) error
	ListByTenant(ctx context.Context, tenantID string) ([]*Credential, error)
}

// TokenStore manages single-use verification and reset tokens.
type TokenStore interface {
	Create(ctx context.Context, t *Token) error
	FindByHash(ctx context.Context, purpose TokenPurpose, tokenHash string) (*Token, error)
	// Consume sets consumed_at if and only if it is still unset; a lost race
	// returns ErrAlreadyUsedToken.
	Consume(ctx context.Context, id string, at time.Time) error
	IncrementResend(ctx context.Context, id string) (int, error)
	// CountForIdentity reports how many tokens of the purpose were ever
	// issued to the identity; resend caps are enforced against it.
	CountForIdentity(ctx context.Context, identityID string, purpose TokenPurpose) (int, error)
}

// InvitationStore manages tenant invitations.
type InvitationStore interface {
	Create(ctx context.Context, inv *Invitation) error
	Find(ctx context.Context, id string) (*Invitation, error)
	FindByHash(ctx context.Context, tokenHash string) (*Invitation, error)
	Revoke(ctx context.Context, id string) error
	// RotateToken replaces the token hash and extends expiry on resend.
	RotateToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error
	IncrementResend(ctx context.Context, id string) (int, error)
	// Accept consumes the invitation and creates the identity plus membership
	// in one transaction; a consumed invitation returns ErrAlreadyUsedToken.
	Accept(ctx context.Context, id string, at time.Time, identity *Identity, membership *Membership) error
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// TrialStore manages trial signups.
type TrialStore interface {
	Create(ctx context.Context, tr *TrialRecord) error
	Find(ctx context.Context, id string) (*TrialRecord, error)
	FindPendingByEmail(ctx context.Context, email string) (*TrialRecord, error)
	// Provision transitions the record to provisioned and creates the tenant,
	// admin identity and membership atomically. When the record is already
	// provisioned it returns the stored record untouched, making retries safe.
	Provision(ctx context.Context, id string, at time.Time, tenant *Tenant, admin *Identity, membership *Membership) (*TrialRecord, error)
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}
