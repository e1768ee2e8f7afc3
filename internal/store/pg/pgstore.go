package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenauth.io/internal/access"
)

// Store is the Postgres-backed access.Store. Counter bumps and token
// consumption are single statements so concurrent callers serialize on the
// row, not in Go.
type Store struct {
	db *sql.DB
}

var _ access.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; tests use this with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Tenants(context.Context) access.TenantStore         { return tenants{s.db} }
func (s *Store) Identities(context.Context) access.IdentityStore    { return identities{s.db} }
func (s *Store) Memberships(context.Context) access.MembershipStore { return memberships{s.db} }
func (s *Store) Credentials(context.Context) access.CredentialStore { return credentials{s.db} }
func (s *Store) Tokens(context.Context) access.TokenStore           { return tokens{s.db} }
func (s *Store) Invitations(context.Context) access.InvitationStore { return invitations{s.db} }
func (s *Store) Trials(context.Context) access.TrialStore           { return trials{s.db} }

type tenants struct{ db *sql.DB }

func (t tenants) Create(ctx context.Context, tenant *access.Tenant) error {
	_, err := t.db.ExecContext(ctx, `
		insert into tenants(id, name, created_at, updated_at)
		values ($1,$2,$3,$3)
	`, tenant.ID, tenant.Name, tenant.CreatedAt)
	return err
}

func (t tenants) Find(ctx context.Context, id string) (*access.Tenant, error) {
	var tn access.Tenant
	err := t.db.QueryRowContext(ctx, `
		select id, name, created_at, updated_at from tenants where id=$1
	`, id).Scan(&tn.ID, &tn.Name, &tn.CreatedAt, &tn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tenant %s", access.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &tn, nil
}

type identities struct{ db *sql.DB }

const identityCols = `id, coalesce(tenant_id,''), email, password_hash, status,
	failed_attempts, locked_until, last_login_at, created_at, updated_at`

func scanIdentity(row *sql.Row) (*access.Identity, error) {
	var id access.Identity
	var lockedUntil, lastLogin sql.NullTime
	err := row.Scan(&id.ID, &id.TenantID, &id.Email, &id.PasswordHash, &id.Status,
		&id.FailedAttempts, &lockedUntil, &lastLogin, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: identity", access.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		id.LockedUntil = &lockedUntil.Time
	}
	if lastLogin.Valid {
		id.LastLoginAt = &lastLogin.Time
	}
	return &id, nil
}

func (i identities) Create(ctx context.Context, id *access.Identity) error {
	_, err := i.db.ExecContext(ctx, `
		insert into identities(id, tenant_id, email, password_hash, status, created_at, updated_at)
		values ($1, nullif($2,''), $3, $4, $5, $6, $6)
	`, id.ID, id.TenantID, id.Email, id.PasswordHash, id.Status, id.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: email %s", access.ErrConflict, id.Email)
	}
	return err
}

func (i identities) Find(ctx context.Context, id string) (*access.Identity, error) {
	return scanIdentity(i.db.QueryRowContext(ctx,
		`select `+identityCols+` from identities where id=$1`, id))
}

func (i identities) FindByEmail(ctx context.Context, email string) (*access.Identity, error) {
	return scanIdentity(i.db.QueryRowContext(ctx,
		`select `+identityCols+` from identities where email=$1`, email))
}

func (i identities) UpdateStatus(ctx context.Context, id string, status access.IdentityStatus) error {
	res, err := i.db.ExecContext(ctx, `
		update identities set status=$2,
			locked_until = case when $2 = 'locked' then locked_until else null end,
			updated_at = now()
		where id=$1
	`, id, status)
	return oneRow(res, err, "identity "+id)
}

func (i identities) SetPassword(ctx context.Context, id, passwordHash string) error {
	res, err := i.db.ExecContext(ctx, `
		update identities set password_hash=$2, updated_at=now() where id=$1
	`, id, passwordHash)
	return oneRow(res, err, "identity "+id)
}

func (i identities) RecordFailure(ctx context.Context, id string) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, `
		update identities set failed_attempts = failed_attempts + 1
		where id=$1
		returning failed_attempts
	`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: identity %s", access.ErrNotFound, id)
	}
	return n, err
}

func (i identities) ResetFailures(ctx context.Context, id string) error {
	res, err := i.db.ExecContext(ctx, `
		update identities set failed_attempts = 0 where id=$1
	`, id)
	return oneRow(res, err, "identity "+id)
}

func (i identities) Lock(ctx context.Context, id string, until time.Time) error {
	res, err := i.db.ExecContext(ctx, `
		update identities set status='locked', locked_until=$2, updated_at=now() where id=$1
	`, id, until)
	return oneRow(res, err, "identity "+id)
}

func (i identities) RecordLogin(ctx context.Context, id string, at time.Time) error {
	res, err := i.db.ExecContext(ctx, `
		update identities set last_login_at=$2 where id=$1
	`, id, at)
	return oneRow(res, err, "identity "+id)
}

func (i identities) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*access.Identity, error) {
	rows, err := i.db.QueryContext(ctx, `
		select `+identityCols+` from identities
		where status='active' and coalesce(last_login_at, created_at) < $1
		order by id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*access.Identity
	for rows.Next() {
		var id access.Identity
		var lockedUntil, lastLogin sql.NullTime
		if err := rows.Scan(&id.ID, &id.TenantID, &id.Email, &id.PasswordHash, &id.Status,
			&id.FailedAttempts, &lockedUntil, &lastLogin, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, err
		}
		if lockedUntil.Valid {
			id.LockedUntil = &lockedUntil.Time
		}
		if lastLogin.Valid {
			id.LastLoginAt = &lastLogin.Time
		}
		out = append(out, &id)
	}
	return out, rows.Err()
}

func (i identities) PasswordHistory(ctx context.Context, id string, n int) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `
		select password_hash from password_history
		where identity_id=$1
		order by created_at desc
		limit $2
	`, id, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (i identities) AppendPasswordHistory(ctx context.Context, id, passwordHash string) error {
	_, err := i.db.ExecContext(ctx, `
		insert into password_history(identity_id, password_hash, created_at)
		values ($1,$2,now())
	`, id, passwordHash)
	return err
}

type memberships struct{ db *sql.DB }

func (m memberships) Create(ctx context.Context, mb *access.Membership) error {
	_, err := m.db.ExecContext(ctx, `
		insert into memberships(identity_id, tenant_id, role_code, created_at)
		values ($1,$2,$3,$4)
		on conflict (identity_id, tenant_id) do update set role_code = excluded.role_code
	`, mb.IdentityID, mb.TenantID, mb.RoleCode, mb.CreatedAt)
	return err
}

func (m memberships) ListByIdentity(ctx context.Context, identityID string) ([]access.Membership, error) {
	rows, err := m.db.QueryContext(ctx, `
		select identity_id, tenant_id, role_code, created_at
		from memberships where identity_id=$1 order by tenant_id
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Membership
	for rows.Next() {
		var mb access.Membership
		if err := rows.Scan(&mb.IdentityID, &mb.TenantID, &mb.RoleCode, &mb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

type credentials struct{ db *sql.DB }

const credentialCols = `id, coalesce(tenant_id,''), name, key_hash, key_prefix, scopes,
	status, ip_allow_list, expires_at, last_used_at, created_by, created_at,
	revoked_at, coalesce(revoked_reason,'')`

func scanCredential(scan func(dest ...any) error) (*access.Credential, error) {
	var c access.Credential
	var scopes, allowList []byte
	var expiresAt, lastUsed, revokedAt sql.NullTime
	err := scan(&c.ID, &c.TenantID, &c.Name, &c.KeyHash, &c.KeyPrefix, &scopes,
		&c.Status, &allowList, &expiresAt, &lastUsed, &c.CreatedBy, &c.CreatedAt,
		&revokedAt, &c.RevokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credential", access.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &c.Scopes); err != nil {
			return nil, err
		}
	}
	if len(allowList) > 0 {
		if err := json.Unmarshal(allowList, &c.IPAllowList); err != nil {
			return nil, err
		}
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		c.LastUsedAt = &lastUsed.Time
	}
	if revokedAt.Valid {
		c.RevokedAt = &revokedAt.Time
	}
	return &c, nil
}

func (c credentials) Create(ctx context.Context, cr *access.Credential) error {
	scopes, err := json.Marshal(cr.Scopes)
	if err != nil {
		return err
	}
	allowList, err := json.Marshal(cr.IPAllowList)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		insert into credentials(id, tenant_id, name, key_hash, key_prefix, scopes,
			status, ip_allow_list, expires_at, created_by, created_at)
		values ($1, nullif($2,''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, cr.ID, cr.TenantID, cr.Name, cr.KeyHash, cr.KeyPrefix, scopes,
		cr.Status, allowList, cr.ExpiresAt, cr.CreatedBy, cr.CreatedAt)
	return err
}

func (c credentials) Find(ctx context.Context, id string) (*access.Credential, error) {
	return scanCredential(c.db.QueryRowContext(ctx,
		`select `+credentialCols+` from credentials where id=$1`, id).Scan)
}

func (c credentials) FindByHash(ctx context.Context, keyHash string) (*access.Credential, error) {
	return scanCredential(c.db.QueryRowContext(ctx,
		`select `+credentialCols+` from credentials where key_hash=$1`, keyHash).Scan)
}

func (c credentials) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	res, err := c.db.ExecContext(ctx, `
		update credentials set status='revoked', revoked_at=now(), revoked_by=$2, revoked_reason=$3
		where id=$1 and status <> 'revoked'
	`, id, revokedBy, reason)
	if err != nil {
		return err
	}
	// Revoking twice is a no-op, not an error.
	_, err = res.RowsAffected()
	return err
}

func (c credentials) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		update credentials set last_used_at=$2 where id=$1
	`, id, at)
	return err
}

func (c credentials) ListByTenant(ctx context.Context, tenantID string) ([]*access.Credential, error) {
	rows, err := c.db.QueryContext(ctx, `
		select `+credentialCols+` from credentials where tenant_id=$1 order by created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*access.Credential
	for rows.Next() {
		cr, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func oneRow(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", access.ErrNotFound, what)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
