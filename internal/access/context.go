package access

import "context"

// AuthMethod names the scheme a request authenticated with.
type AuthMethod string

const (
	MethodSession AuthMethod = "session"
	MethodAPIKey  AuthMethod = "api_key"
)

// Actor is the authenticated-actor context produced by the gateway.
type Actor struct {
	IdentityID   string
	CredentialID string
	TenantID     string
	Scopes       []string
	Method       AuthMethod
	// LowTrust marks credentials supplied through the query parameter path.
	LowTrust bool
}

// HasScope reports whether the actor carries the named scope. The admin scope
// implies everything.
func (a Actor) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Privileged reports whether the actor is eligible for step-up gated actions.
// Machine credentials never are; elevation requires a human session.
func (a Actor) Privileged() bool {
	return a.Method == MethodSession && a.IdentityID != ""
}

type actorContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}
