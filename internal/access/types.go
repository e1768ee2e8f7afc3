package access

import "time"

// IdentityStatus is the lifecycle state of an identity.
type IdentityStatus string

const (
	IdentityUnverified  IdentityStatus = "unverified"
	IdentityActive      IdentityStatus = "active"
	IdentitySuspended   IdentityStatus = "suspended"
	IdentityLocked      IdentityStatus = "locked"
	IdentityDeactivated IdentityStatus = "deactivated"
)

// Tenant is a provisioned customer account. A nil/empty tenant id on an
// identity or credential marks a platform-level actor.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity represents a human or service actor.
type Identity struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Email          string         `json:"email"`
	PasswordHash   string         `json:"-"`
	Status         IdentityStatus `json:"status"`
	FailedAttempts int            `json:"-"`
	LockedUntil    *time.Time     `json:"-"`
	LastLoginAt    *time.Time     `json:"last_login_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Membership binds an identity to a tenant at a role.
type Membership struct {
	IdentityID string    `json:"identity_id"`
	TenantID   string    `json:"tenant_id"`
	RoleCode   string    `json:"role_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// Credential statuses.
const (
	CredentialActive  = "active"
	CredentialRevoked = "revoked"
)

// Credential is a machine credential (API key). Only the SHA-256 hash of the
// plaintext key is stored; the plaintext is shown exactly once at creation.
type Credential struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id,omitempty"`
	Name          string     `json:"name"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"`
	Scopes        []string   `json:"scopes"`
	Status        string     `json:"status"`
	IPAllowList   []string   `json:"ip_allow_list,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

// TokenPurpose distinguishes single-use token flows.
type TokenPurpose string

const (
	TokenEmailVerify   TokenPurpose = "email_verify"
	TokenPasswordReset TokenPurpose = "password_reset"
)

// Token is a one-time proof of email or identity ownership. Only hashes are
// persisted; consumption is a compare-and-set on consumed_at.
type Token struct {
	ID          string       `json:"id"`
	IdentityID  string       `json:"identity_id"`
	Purpose     TokenPurpose `json:"purpose"`
	TokenHash   string       `json:"-"`
	ExpiresAt   time.Time    `json:"expires_at"`
	ConsumedAt  *time.Time   `json:"consumed_at,omitempty"`
	ResendCount int          `json:"resend_count"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
	InvitationExpired  = "expired"
)

// Invitation is a tenant's offer of membership to an email address.
type Invitation struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Email       string     `json:"email"`
	RoleCode    string     `json:"role_code"`
	TokenHash   string     `json:"-"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	ResendCount int        `json:"resend_count"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Trial statuses.
type TrialStatus string

const (
	TrialPending     TrialStatus = "pending"
	TrialProvisioned TrialStatus = "provisioned"
	TrialExpired     TrialStatus = "expired"
	TrialConverted   TrialStatus = "converted"
)

// TrialRecord is a prospective tenant's signup. Provisioning is idempotent on
// the record id: the resulting tenant/identity pair is stored on the record.
type TrialRecord struct {
	ID              string      `json:"id"`
	CompanyName     string      `json:"company_name"`
	Email           string      `json:"email"`
	Status          TrialStatus `json:"status"`
	TenantID        string      `json:"tenant_id,omitempty"`
	AdminIdentityID string      `json:"admin_identity_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	ProvisionedAt   *time.Time  `json:"provisioned_at,omitempty"`
}

// StepUpGrant is a short-lived elevation proof recorded after a re-verified
// factor. The validity window never extends on use.
type StepUpGrant struct {
	IdentityID string    `json:"identity_id"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IssuedToken carries the plaintext of a freshly minted single-use token. It
// exists only in memory on its way to the delivery channel.
type IssuedToken struct {
	Plaintext string
	ExpiresAt time.Time
}
