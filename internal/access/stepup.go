package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenauth.io/internal/audit"
	"tenauth.io/internal/cache"
)

// StepUpService manages short-lived re-authentication grants for sensitive
// actions. Grants live in the shared cache under a per-identity, per-action
// key and expire with the cache TTL; using a grant never extends its window.
type StepUpService struct {
	cache *cache.Cache
	cfg   Config
	emit  audit.Emitter
	now   func() time.Time
}

// StepUpOption configures StepUpService.
type StepUpOption func(*StepUpService)

// WithStepUpClock overrides the time source.
func WithStepUpClock(fn func() time.Time) StepUpOption {
	return func(s *StepUpService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewStepUpService constructs a StepUpService.
func NewStepUpService(c *cache.Cache, cfg Config, emitter audit.Emitter, opts ...StepUpOption) *StepUpService {
	s := &StepUpService{cache: c, cfg: cfg, emit: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequiresStepUp reports whether action is in the configured sensitive set.
func (s *StepUpService) RequiresStepUp(action string) bool {
	return s.cfg.RequiresStepUp(action)
}

// IssueGrant records a fresh grant for identityID/action. The caller has
// already verified the second factor; method names how.
func (s *StepUpService) IssueGrant(ctx context.Context, identityID, action, method string) (*StepUpGrant, error) {
	if identityID == "" || action == "" {
		return nil, fmt.Errorf("%w: identity and action are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	grant := &StepUpGrant{
		IdentityID: identityID,
		Action:     action,
		Method:     method,
		GrantedAt:  now,
		ExpiresAt:  now.Add(s.cfg.StepUpValidity),
	}
	if err := s.cache.SetJSON(ctx, stepUpKey(identityID, action), grant, s.cfg.StepUpValidity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	audit.Emit(ctx, s.emit, audit.Event{
		Type:    "stepup.grant",
		ActorID: identityID,
		Result:  audit.ResultSuccess,
		Fields:  map[string]any{"action": action, "method": method},
	})
	return grant, nil
}

// CheckGrant verifies a valid grant exists for identityID/action. A missing
// or expired grant yields ErrStepUpRequired; a cache outage is surfaced as
// ErrUnavailable rather than silently waving the action through.
func (s *StepUpService) CheckGrant(ctx context.Context, identityID, action string) error {
	var grant StepUpGrant
	err := s.cache.GetJSON(ctx, stepUpKey(identityID, action), &grant)
	if errors.Is(err, cache.ErrMiss) {
		audit.Emit(ctx, s.emit, audit.Event{
			Type:    "stepup.check",
			ActorID: identityID,
			Result:  audit.ResultFailure,
			Reason:  string(ReasonStepUpMissing),
			Fields:  map[string]any{"action": action},
		})
		return ErrStepUpRequired
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !grant.ExpiresAt.After(s.now().UTC()) {
		return ErrStepUpRequired
	}
	return nil
}

// Invalidate drops any grant for identityID/action, forcing re-verification.
func (s *StepUpService) Invalidate(ctx context.Context, identityID, action string) error {
	return s.cache.Delete(ctx, stepUpKey(identityID, action))
}

func stepUpKey(identityID, action string) string {
	return fmt.Sprintf("stepup:%s:%s", identityID, action)
}
