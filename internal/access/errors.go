package access

import "errors"

var (
	ErrNotFound     = errors.New("access: not found")
	ErrConflict     = errors.New("access: resource conflict")
	ErrInvalidInput = errors.New("access: invalid input")

	ErrInvalidCredential = errors.New("access: invalid credential")
	ErrExpiredToken      = errors.New("access: token expired")
	ErrAlreadyUsedToken  = errors.New("access: token already used")
	ErrRevoked           = errors.New("access: revoked")
	ErrRateLimited       = errors.New("access: rate limited")
	ErrAccountLocked     = errors.New("access: account locked")
	ErrScopeInsufficient = errors.New("access: insufficient scope")
	ErrStepUpRequired    = errors.New("access: step-up verification required")
	ErrTenantMismatch    = errors.New("access: tenant mismatch")
	ErrMaxResends        = errors.New("access: resend limit reached")
	ErrUnavailable       = errors.New("access: storage unavailable")
)

// Reason identifies the internal cause of a validation failure. It is recorded
// on audit events while the actor-facing response stays deliberately coarse.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNotFound      Reason = "not_found"
	ReasonExpired       Reason = "expired"
	ReasonRevoked       Reason = "revoked"
	ReasonIPNotAllowed  Reason = "ip_not_allowed"
	ReasonScope         Reason = "scope_insufficient"
	ReasonAlreadyUsed   Reason = "already_used"
	ReasonLocked        Reason = "account_locked"
	ReasonBadPassword   Reason = "bad_password"
	ReasonStatus        Reason = "status_not_eligible"
	ReasonTenant        Reason = "tenant_mismatch"
	ReasonStepUpMissing Reason = "step_up_missing"
	ReasonUnavailable   Reason = "unavailable"
)
