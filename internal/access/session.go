package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSessionTTL = 15 * time.Minute

// ErrInvalidSession indicates the session token failed validation.
var ErrInvalidSession = errors.New("access: invalid session token")

// SessionClaims are the JWT claims carried by human-session tokens.
type SessionClaims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager signs and verifies HS256 session tokens for human actors.
// The secret is injected; there is no process-global state.
type SessionManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithSessionTTL overrides the session token lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(secret, issuer string, opts ...SessionOption) (*SessionManager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("access: session secret is required")
	}
	m := &SessionManager{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		ttl:    defaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs a session token for the identity.
func (m *SessionManager) Issue(identity *Identity, scopes []string) (string, time.Time, error) {
	if identity == nil || identity.ID == "" {
		return "", time.Time{}, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims := SessionClaims{
		TenantID: identity.TenantID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the token signature and required claims.
func (m *SessionManager) Parse(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidSession
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSession
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, ErrInvalidSession
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, ErrInvalidSession
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}
