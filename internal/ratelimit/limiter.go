package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tenauth.io/internal/cache"
	"tenauth.io/internal/obs"
)

// ActionClass configures the fixed window for one class of abuse-prone action.
type ActionClass struct {
	Name      string
	Window    time.Duration
	Threshold int
}

// Catalog maps action-class names to their configuration. It is loaded as
// data at startup and injected; the limiter enforces but does not own it.
type Catalog map[string]ActionClass

// Well-known action classes.
const (
	ActionRegistration   = "registration"
	ActionTrialSignup    = "trial-signup"
	ActionTrialProvision = "trial-provision"
	ActionInvitationSend = "invitation-send"
	ActionPasswordReset  = "password-reset"
)

// DefaultCatalog returns the deployment defaults per action class.
func DefaultCatalog() Catalog {
	return Catalog{
		ActionRegistration:   {Name: ActionRegistration, Window: time.Hour, Threshold: 10},
		ActionTrialSignup:    {Name: ActionTrialSignup, Window: time.Hour, Threshold: 5},
		ActionTrialProvision: {Name: ActionTrialProvision, Window: time.Hour, Threshold: 30},
		ActionInvitationSend: {Name: ActionInvitationSend, Window: 24 * time.Hour, Threshold: 50},
		ActionPasswordReset:  {Name: ActionPasswordReset, Window: time.Hour, Threshold: 5},
	}
}

// Decision is the limiter's answer for a single call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter implements fixed-window counting on top of atomic Redis increments.
// Fixed windows trade burst-at-boundary behavior for bounded memory and an
// increment primitive that is safe across concurrently running instances.
type Limiter struct {
	cache   *cache.Cache
	catalog Catalog
	now     func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New constructs a Limiter.
func New(c *cache.Cache, catalog Catalog, opts ...Option) *Limiter {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	l := &Limiter{cache: c, catalog: catalog, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement counts this call against the current window for
// (action, subject) and reports whether it may proceed. Unknown action
// classes are allowed: the catalog decides what is limited.
func (l *Limiter) CheckAndIncrement(ctx context.Context, action, subject string) (Decision, error) {
	class, ok := l.catalog[action]
	if !ok {
		return Decision{Allowed: true}, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "unknown"
	}

	now := l.now().UTC()
	windowStart := now.Truncate(class.Window)
	windowEnd := windowStart.Add(class.Window)
	key := fmt.Sprintf("rate:%s:%s:%d", action, subject, windowStart.Unix())

	// Keep the counter slightly past the window so late readers still see it.
	count, err := l.cache.IncrWindow(ctx, key, class.Window+time.Minute)
	if err != nil {
		return Decision{}, err
	}

	if count > int64(class.Threshold) {
		obs.ObserveThrottle(action)
		return Decision{
			Allowed:    false,
			RetryAfter: windowEnd.Sub(now),
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: class.Threshold - int(count),
	}, nil
}
