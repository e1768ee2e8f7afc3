package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenauth.io/internal/access"
)

type tokens struct{ db *sql.DB }

func (t tokens) Create(ctx context.Context, tok *access.Token) error {
	_, err := t.db.ExecContext(ctx, `
		insert into tokens(id, identity_id, purpose, token_hash, expires_at, resend_count, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, tok.ID, tok.IdentityID, tok.Purpose, tok.TokenHash, tok.ExpiresAt, tok.ResendCount, tok.CreatedAt)
	return err
}

func (t tokens) FindByHash(ctx context.Context, purpose access.TokenPurpose, tokenHash string) (*access.Token, error) {
	var tok access.Token
	var consumed sql.NullTime
	err := t.db.QueryRowContext(ctx, `
		select id, identity_id, purpose, token_hash, expires_at, consumed_at, resend_count, created_at
		from tokens where purpose=$1 and token_hash=$2
	`, purpose, tokenHash).Scan(&tok.ID, &tok.IdentityID, &tok.Purpose, &tok.TokenHash,
		&tok.ExpiresAt, &consumed, &tok.ResendCount, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", access.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if consumed.Valid {
		tok.ConsumedAt = &consumed.Time
	}
	return &tok, nil
}

func (t tokens) Consume(ctx context.Context, id string, at time.Time) error {
	res, err := t.db.ExecContext(ctx, `
		update tokens set consumed_at=$2 where id=$1 and consumed_at is null
	`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already consumed; distinguish for the caller.
		var exists bool
		if err := t.db.QueryRowContext(ctx,
			`select exists(select 1 from tokens where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: token %s", access.ErrNotFound, id)
		}
		return access.ErrAlreadyUsedToken
	}
	return nil
}

func (t tokens) IncrementResend(ctx context.Context, id string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		update tokens set resend_count = resend_count + 1 where id=$1 returning resend_count
	`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: token %s", access.ErrNotFound, id)
	}
	return n, err
}

func (t tokens) CountForIdentity(ctx context.Context, identityID string, purpose access.TokenPurpose) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		select count(*) from tokens where identity_id=$1 and purpose=$2
	`, identityID, purpose).Scan(&n)
	return n, err
}

type invitations struct{ db *sql.DB }

const invitationCols = `id, tenant_id, email, role_code, token_hash, status,
	expires_at, consumed_at, resend_count, created_by, created_at`

func scanInvitation(row *sql.Row) (*access.Invitation, error) {
	var inv access.Invitation
	var consumed sql.NullTime
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.RoleCode, &inv.TokenHash,
		&inv.Status, &inv.ExpiresAt, &consumed, &inv.ResendCount, &inv.CreatedBy, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invitation", access.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if consumed.Valid {
		inv.ConsumedAt = &consumed.Time
	}
	return &inv, nil
}

func (i invitations) Create(ctx context.Context, inv *access.Invitation) error {
	_, err := i.db.ExecContext(ctx, `
		insert into invitations(id, tenant_id, email, role_code, token_hash, status,
			expires_at, resend_count, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, inv.ID, inv.TenantID, inv.Email, inv.RoleCode, inv.TokenHash, inv.Status,
		inv.ExpiresAt, inv.ResendCount, inv.CreatedBy, inv.CreatedAt)
	return err
}

func (i invitations) Find(ctx context.Context, id string) (*access.Invitation, error) {
	return scanInvitation(i.db.QueryRowContext(ctx,
		`select `+invitationCols+` from invitations where id=$1`, id))
}

func (i invitations) FindByHash(ctx context.Context, tokenHash string) (*access.Invitation, error) {
	return scanInvitation(i.db.QueryRowContext(ctx,
		`select `+invitationCols+` from invitations where token_hash=$1`, tokenHash))
}

func (i invitations) Revoke(ctx context.Context, id string) error {
	res, err := i.db.ExecContext(ctx, `
		update invitations set status='revoked' where id=$1 and status='pending'
	`, id)
	return oneRow(res, err, "invitation "+id)
}

func (i invitations) RotateToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	res, err := i.db.ExecContext(ctx, `
		update invitations set token_hash=$2, expires_at=$3 where id=$1 and status='pending'
	`, id, tokenHash, expiresAt)
	return oneRow(res, err, "invitation "+id)
}

func (i invitations) IncrementResend(ctx context.Context, id string) (int, error) {
	var n int
	err := i.db.QueryRowContext(ctx, `
		update invitations set resend_count = resend_count + 1 where id=$1 returning resend_count
	`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: invitation %s", access.ErrNotFound, id)
	}
	return n, err
}

func (i invitations) Accept(ctx context.Context, id string, at time.Time, identity *access.Identity, membership *access.Membership) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The guarded update is the consume: losing the race affects zero rows.
	res, err := tx.ExecContext(ctx, `
		update invitations set status='accepted', consumed_at=$2
		where id=$1 and status='pending' and consumed_at is null
	`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return access.ErrAlreadyUsedToken
	}

	if _, err := tx.ExecContext(ctx, `
		insert into identities(id, tenant_id, email, password_hash, status, created_at, updated_at)
		values ($1, nullif($2,''), $3, $4, $5, $6, $6)
	`, identity.ID, identity.TenantID, identity.Email, identity.PasswordHash,
		identity.Status, identity.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: email %s", access.ErrConflict, identity.Email)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into memberships(identity_id, tenant_id, role_code, created_at)
		values ($1,$2,$3,$4)
	`, membership.IdentityID, membership.TenantID, membership.RoleCode, membership.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (i invitations) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := i.db.ExecContext(ctx, `
		update invitations set status='expired' where status='pending' and expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type trials struct{ db *sql.DB }

const trialCols = `id, company_name, email, status, coalesce(tenant_id,''),
	coalesce(admin_identity_id,''), created_at, expires_at, provisioned_at`

func scanTrial(row *sql.Row) (*access.TrialRecord, error) {
	var tr access.TrialRecord
	var provisioned sql.NullTime
	err := row.Scan(&tr.ID, &tr.CompanyName, &tr.Email, &tr.Status, &tr.TenantID,
		&tr.AdminIdentityID, &tr.CreatedAt, &tr.ExpiresAt, &provisioned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trial", access.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if provisioned.Valid {
		tr.ProvisionedAt = &provisioned.Time
	}
	return &tr, nil
}

func (t trials) Create(ctx context.Context, tr *access.TrialRecord) error {
	_, err := t.db.ExecContext(ctx, `
		insert into trials(id, company_name, email, status, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
	`, tr.ID, tr.CompanyName, tr.Email, tr.Status, tr.CreatedAt, tr.ExpiresAt)
	return err
}

func (t trials) Find(ctx context.Context, id string) (*access.TrialRecord, error) {
	return scanTrial(t.db.QueryRowContext(ctx,
		`select `+trialCols+` from trials where id=$1`, id))
}

func (t trials) FindPendingByEmail(ctx context.Context, email string) (*access.TrialRecord, error) {
	return scanTrial(t.db.QueryRowContext(ctx,
		`select `+trialCols+` from trials where email=$1 and status='pending'`, email))
}

func (t trials) Provision(ctx context.Context, id string, at time.Time, tenant *access.Tenant, admin *access.Identity, membership *access.Membership) (*access.TrialRecord, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The row lock serializes concurrent provisions: the loser blocks here,
	// then sees the already-provisioned status and returns it unchanged.
	var tr access.TrialRecord
	var provisioned sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select `+trialCols+` from trials where id=$1 for update
	`, id).Scan(&tr.ID, &tr.CompanyName, &tr.Email, &tr.Status, &tr.TenantID,
		&tr.AdminIdentityID, &tr.CreatedAt, &tr.ExpiresAt, &provisioned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trial %s", access.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if provisioned.Valid {
		tr.ProvisionedAt = &provisioned.Time
	}
	if tr.Status == access.TrialProvisioned || tr.Status == access.TrialConverted {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &tr, nil
	}

	if _, err := tx.ExecContext(ctx, `
		insert into tenants(id, name, created_at, updated_at) values ($1,$2,$3,$3)
	`, tenant.ID, tenant.Name, tenant.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into identities(id, tenant_id, email, password_hash, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, admin.ID, admin.TenantID, admin.Email, admin.PasswordHash, admin.Status, admin.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email %s", access.ErrConflict, admin.Email)
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into memberships(identity_id, tenant_id, role_code, created_at)
		values ($1,$2,$3,$4)
	`, membership.IdentityID, membership.TenantID, membership.RoleCode, membership.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		update trials set status='provisioned', tenant_id=$2, admin_identity_id=$3, provisioned_at=$4
		where id=$1
	`, id, tenant.ID, admin.ID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	tr.Status = access.TrialProvisioned
	tr.TenantID = tenant.ID
	tr.AdminIdentityID = admin.ID
	p := at
	tr.ProvisionedAt = &p
	return &tr, nil
}

func (t trials) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := t.db.ExecContext(ctx, `
		update trials set status='expired' where status='pending' and expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
