package access

import "time"

// Config is the externally owned configuration surface of the engine. It is
// constructed at startup and injected; services hold it by value, so a reload
// amounts to rebuilding the service with a fresh Config.
type Config struct {
	VerificationTTL time.Duration
	InvitationTTL   time.Duration
	ResetTTL        time.Duration
	TrialTTL        time.Duration

	ResendMax int

	LockoutThreshold int
	LockoutDuration  time.Duration

	StepUpValidity time.Duration
	StepUpActions  []string

	// Identities with no login for this many days are suspended by the sweep.
	InactivityDays int

	// SelfReactivation permits a suspended identity to reactivate itself.
	SelfReactivation bool

	// KeyHeader and KeyQueryParam name the alternate credential carriers.
	KeyHeader     string
	KeyQueryParam string

	Password PasswordPolicy
}

// RequiresStepUp reports whether action is in the configured sensitive set.
func (c Config) RequiresStepUp(action string) bool {
	for _, a := range c.StepUpActions {
		if a == action {
			return true
		}
	}
	return false
}

// Privileged actions gated behind a step-up grant.
const (
	ActionRoleChange  = "role-change"
	ActionAdminInvite = "admin-invite"
	ActionKeyCreate   = "key-create"
	ActionDeprovision = "deprovision"
)

// Credential scopes.
const (
	ScopeTrialProvision = "trial:provision"
	ScopeKeysManage     = "keys:manage"
	ScopeIdentitiesRead = "identities:read"
	ScopeAdmin          = "admin"
)

// DefaultConfig returns the deployment defaults. Tenant tiers override fields
// selectively.
func DefaultConfig() Config {
	return Config{
		VerificationTTL:  48 * time.Hour,
		InvitationTTL:    72 * time.Hour,
		ResetTTL:         time.Hour,
		TrialTTL:         14 * 24 * time.Hour,
		ResendMax:        3,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		StepUpValidity:   10 * time.Minute,
		StepUpActions: []string{
			ActionRoleChange,
			ActionAdminInvite,
			ActionKeyCreate,
			ActionDeprovision,
		},
		InactivityDays:   90,
		SelfReactivation: false,
		KeyHeader:        "X-API-Key",
		KeyQueryParam:    "api_key",
		Password: PasswordPolicy{
			MinLength:    8,
			RequireUpper: true,
			RequireLower: true,
			RequireDigit: true,
			HistoryCount: 5,
		},
	}
}
