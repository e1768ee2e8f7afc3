package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by DSN-less runs of
// the API binary. All mutations take the store mutex, so increment and
// consume operations observe the same atomicity the SQL store guarantees.
type MemoryStore struct {
	mu sync.Mutex

	tenants     map[string]*Tenant
	identities  map[string]*Identity
	memberships []Membership
	credentials map[string]*Credential
	tokens      map[string]*Token
	invitations map[string]*Invitation
	trials      map[string]*TrialRecord
	pwHistory   map[string][]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]*Tenant),
		identities:  make(map[string]*Identity),
		credentials: make(map[string]*Credential),
		tokens:      make(map[string]*Token),
		invitations: make(map[string]*Invitation),
		trials:      make(map[string]*TrialRecord),
		pwHistory:   make(map[string][]string),
	}
}

func (m *MemoryStore) Tenants(context.Context) TenantStore         { return memTenants{m} }
func (m *MemoryStore) Identities(context.Context) IdentityStore    { return memIdentities{m} }
func (m *MemoryStore) Memberships(context.Context) MembershipStore { return memMemberships{m} }
func (m *MemoryStore) Credentials(context.Context) CredentialStore { return memCredentials{m} }
func (m *MemoryStore) Tokens(context.Context) TokenStore           { return memTokens{m} }
func (m *MemoryStore) Invitations(context.Context) InvitationStore { return memInvitations{m} }
func (m *MemoryStore) Trials(context.Context) TrialStore           { return memTrials{m} }

type memTenants struct{ s *MemoryStore }

func (t memTenants) Create(_ context.Context, tenant *Tenant) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tenants[tenant.ID]; ok {
		return fmt.Errorf("%w: tenant %s", ErrConflict, tenant.ID)
	}
	cp := *tenant
	t.s.tenants[tenant.ID] = &cp
	return nil
}

func (t memTenants) Find(_ context.Context, id string) (*Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tenant, ok := t.s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	cp := *tenant
	return &cp, nil
}

type memIdentities struct{ s *MemoryStore }

func (i memIdentities) Create(_ context.Context, id *Identity) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	if _, ok := i.s.identities[id.ID]; ok {
		return fmt.Errorf("%w: identity %s", ErrConflict, id.ID)
	}
	for _, existing := range i.s.identities {
		if existing.Email == id.Email {
			return fmt.Errorf("%w: email %s", ErrConflict, id.Email)
		}
	}
	cp := *id
	i.s.identities[id.ID] = &cp
	return nil
}

func (i memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	return i.findLocked(id)
}

func (i memIdentities) findLocked(id string) (*Identity, error) {
	ident, ok := i.s.identities[id]
	if !ok {
		return nil, fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	cp := *ident
	return &cp, nil
}

func (i memIdentities) FindByEmail(_ context.Context, email string) (*Identity, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	for _, ident := range i.s.identities {
		if ident.Email == email {
			cp := *ident
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: identity %s", ErrNotFound, email)
}

func (i memIdentities) UpdateStatus(_ context.Context, id string, status IdentityStatus) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	ident, ok := i.s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	ident.Status = status
	if status != IdentityLocked {
		ident.LockedUntil = nil
	}
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (i memIdentities) SetPassword(_ context.Context, id, passwordHash string) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	ident, ok := i.s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	ident.PasswordHash = passwordHash
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (i memIdentities) RecordFailure(_ context.Context, id string) (int, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	ident, ok := i.s.identities[id]
	if !ok {
		return 0, fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	ident.FailedAttempts++
	return ident.FailedAttempts, nil
}

func (i memIdentities) ResetFailures(_ context.Context, id string) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	ident, ok := i.s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	ident.FailedAttempts = 0
	return nil
}

func (i memIdentities) Lock(_ context.Context, id string, until time.Time) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	ident, ok := i.s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	ident.Status = IdentityLocked
	u := until
	ident.LockedUntil = &u
	ident.UpdatedAt = time.Now().UTC()
	return nil
}

func (i memIdentities) RecordLogin(_ context.Context, id string, at time.Time) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	ident, ok := i.s.identities[id]
	if !ok {
		return fmt.Errorf("%w: identity %s", ErrNotFound, id)
	}
	t := at
	ident.LastLoginAt = &t
	return nil
}

func (i memIdentities) ListInactiveSince(_ context.Context, cutoff time.Time) ([]*Identity, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	var out []*Identity
	for _, ident := range i.s.identities {
		if ident.Status != IdentityActive {
			continue
		}
		last := ident.CreatedAt
		if ident.LastLoginAt != nil {
			last = *ident.LastLoginAt
		}
		if last.Before(cutoff) {
			cp := *ident
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (i memIdentities) PasswordHistory(_ context.Context, id string, n int) ([]string, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	hist := i.s.pwHistory[id]
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	out := make([]string, len(hist))
	copy(out, hist)
	return out, nil
}

func (i memIdentities) AppendPasswordHistory(_ context.Context, id, passwordHash string) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	i.s.pwHistory[id] = append(i.s.pwHistory[id], passwordHash)
	return nil
}

type memMemberships struct{ s *MemoryStore }

func (m memMemberships) Create(_ context.Context, mb *Membership) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := range m.s.memberships {
		if m.s.memberships[i].IdentityID == mb.IdentityID && m.s.memberships[i].TenantID == mb.TenantID {
			m.s.memberships[i].RoleCode = mb.RoleCode
			return nil
		}
	}
	m.s.memberships = append(m.s.memberships, *mb)
	return nil
}

func (m memMemberships) ListByIdentity(_ context.Context, identityID string) ([]Membership, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []Membership
	for _, mb := range m.s.memberships {
		if mb.IdentityID == identityID {
			out = append(out, mb)
		}
	}
	return out, nil
}

type memCredentials struct{ s *MemoryStore }

func (c memCredentials) Create(_ context.Context, cr *Credential) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.credentials[cr.ID]; ok {
		return fmt.Errorf("%w: credential %s", ErrConflict, cr.ID)
	}
	cp := *cr
	c.s.credentials[cr.ID] = &cp
	return nil
}

func (c memCredentials) Find(_ context.Context, id string) (*Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return nil, fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	cp := *cr
	return &cp, nil
}

func (c memCredentials) FindByHash(_ context.Context, keyHash string) (*Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cr := range c.s.credentials {
		if cr.KeyHash == keyHash {
			cp := *cr
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: credential", ErrNotFound)
}

func (c memCredentials) Revoke(_ context.Context, id, revokedBy, reason string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	if cr.Status == CredentialRevoked {
		return nil
	}
	now := time.Now().UTC()
	cr.Status = CredentialRevoked
	cr.RevokedAt = &now
	cr.RevokedReason = reason
	_ = revokedBy
	return nil
}

func (c memCredentials) Touch(_ context.Context, id string, at time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	t := at
	cr.LastUsedAt = &t
	return nil
}

func (c memCredentials) ListByTenant(_ context.Context, tenantID string) ([]*Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []*Credential
	for _, cr := range c.s.credentials {
		if cr.TenantID == tenantID {
			cp := *cr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

type memTokens struct{ s *MemoryStore }

func (t memTokens) Create(_ context.Context, tok *Token) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *tok
	t.s.tokens[tok.ID] = &cp
	return nil
}

func (t memTokens) FindByHash(_ context.Context, purpose TokenPurpose, tokenHash string) (*Token, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, tok := range t.s.tokens {
		if tok.Purpose == purpose && tok.TokenHash == tokenHash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: token", ErrNotFound)
}

func (t memTokens) Consume(_ context.Context, id string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: token %s", ErrNotFound, id)
	}
	if tok.ConsumedAt != nil {
		return ErrAlreadyUsedToken
	}
	c := at
	tok.ConsumedAt = &c
	return nil
}

func (t memTokens) IncrementResend(_ context.Context, id string) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokens[id]
	if !ok {
		return 0, fmt.Errorf("%w: token %s", ErrNotFound, id)
	}
	tok.ResendCount++
	return tok.ResendCount, nil
}

func (t memTokens) CountForIdentity(_ context.Context, identityID string, purpose TokenPurpose) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, tok := range t.s.tokens {
		if tok.IdentityID == identityID && tok.Purpose == purpose {
			n++
		}
	}
	return n, nil
}

type memInvitations struct{ s *MemoryStore }

func (i memInvitations) Create(_ context.Context, inv *Invitation) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	cp := *inv
	i.s.invitations[inv.ID] = &cp
	return nil
}

func (i memInvitations) Find(_ context.Context, id string) (*Invitation, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	inv, ok := i.s.invitations[id]
	if !ok {
		return nil, fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	cp := *inv
	return &cp, nil
}

func (i memInvitations) FindByHash(_ context.Context, tokenHash string) (*Invitation, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	for _, inv := range i.s.invitations {
		if inv.TokenHash == tokenHash {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: invitation", ErrNotFound)
}

func (i memInvitations) Revoke(_ context.Context, id string) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	inv, ok := i.s.invitations[id]
	if !ok {
		return fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	inv.Status = InvitationRevoked
	return nil
}

func (i memInvitations) RotateToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	inv, ok := i.s.invitations[id]
	if !ok {
		return fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	inv.TokenHash = tokenHash
	inv.ExpiresAt = expiresAt
	return nil
}

func (i memInvitations) IncrementResend(_ context.Context, id string) (int, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	inv, ok := i.s.invitations[id]
	if !ok {
		return 0, fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	inv.ResendCount++
	return inv.ResendCount, nil
}

func (i memInvitations) Accept(_ context.Context, id string, at time.Time, identity *Identity, membership *Membership) error {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	inv, ok := i.s.invitations[id]
	if !ok {
		return fmt.Errorf("%w: invitation %s", ErrNotFound, id)
	}
	if inv.ConsumedAt != nil || inv.Status == InvitationAccepted {
		return ErrAlreadyUsedToken
	}
	c := at
	inv.ConsumedAt = &c
	inv.Status = InvitationAccepted
	idCp := *identity
	i.s.identities[identity.ID] = &idCp
	i.s.memberships = append(i.s.memberships, *membership)
	return nil
}

func (i memInvitations) ExpirePendingBefore(_ context.Context, cutoff time.Time) (int, error) {
	i.s.mu.Lock()
	defer i.s.mu.Unlock()
	n := 0
	for _, inv := range i.s.invitations {
		if inv.Status == InvitationPending && inv.ExpiresAt.Before(cutoff) {
			inv.Status = InvitationExpired
			n++
		}
	}
	return n, nil
}

type memTrials struct{ s *MemoryStore }

func (t memTrials) Create(_ context.Context, tr *TrialRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *tr
	t.s.trials[tr.ID] = &cp
	return nil
}

func (t memTrials) Find(_ context.Context, id string) (*TrialRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tr, ok := t.s.trials[id]
	if !ok {
		return nil, fmt.Errorf("%w: trial %s", ErrNotFound, id)
	}
	cp := *tr
	return &cp, nil
}

func (t memTrials) FindPendingByEmail(_ context.Context, email string) (*TrialRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, tr := range t.s.trials {
		if tr.Email == email && tr.Status == TrialPending {
			cp := *tr
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: trial", ErrNotFound)
}

func (t memTrials) Provision(_ context.Context, id string, at time.Time, tenant *Tenant, admin *Identity, membership *Membership) (*TrialRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tr, ok := t.s.trials[id]
	if !ok {
		return nil, fmt.Errorf("%w: trial %s", ErrNotFound, id)
	}
	if tr.Status == TrialProvisioned || tr.Status == TrialConverted {
		cp := *tr
		return &cp, nil
	}
	tnCp := *tenant
	t.s.tenants[tenant.ID] = &tnCp
	adCp := *admin
	t.s.identities[admin.ID] = &adCp
	t.s.memberships = append(t.s.memberships, *membership)
	p := at
	tr.Status = TrialProvisioned
	tr.TenantID = tenant.ID
	tr.AdminIdentityID = admin.ID
	tr.ProvisionedAt = &p
	cp := *tr
	return &cp, nil
}

func (t memTrials) ExpirePendingBefore(_ context.Context, cutoff time.Time) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, tr := range t.s.trials {
		if tr.Status == TrialPending && tr.ExpiresAt.Before(cutoff) {
			tr.Status = TrialExpired
			n++
		}
	}
	return n, nil
}
