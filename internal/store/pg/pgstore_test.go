package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tenauth.io/internal/access"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

type uniqueViolation struct{}

func (uniqueViolation) Error() string    { return "duplicate key value violates unique constraint" }
func (uniqueViolation) SQLState() string { return "23505" }

func TestIdentityCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into identities").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "dup@example.com", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(uniqueViolation{})

	err := store.Identities(context.Background()).Create(context.Background(), &access.Identity{
		ID:    "id-1",
		Email: "dup@example.com",
	})
	if !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestIdentityFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select id, coalesce.*from identities where email").
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "email", "password_hash", "status",
			"failed_attempts", "locked_until", "last_login_at", "created_at", "updated_at",
		}).AddRow("id-1", "t-1", "a@example.com", "hash", "active", 2, nil, now, now, now))

	got, err := store.Identities(context.Background()).FindByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "id-1" || got.TenantID != "t-1" || got.FailedAttempts != 2 {
		t.Fatalf("identity = %+v", got)
	}
	if got.LockedUntil != nil {
		t.Fatal("locked_until must map null to nil")
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(now) {
		t.Fatalf("last_login_at = %v", got.LastLoginAt)
	}
	expectationsMet(t, mock)
}

func TestIdentityFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, coalesce.*from identities where id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Identities(context.Background()).Find(context.Background(), "ghost"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestIdentityRecordFailureReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update identities set failed_attempts = failed_attempts \\+ 1").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(4))

	n, err := store.Identities(context.Background()).RecordFailure(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if n != 4 {
		t.Fatalf("count = %d, want 4", n)
	}
	expectationsMet(t, mock)
}

func TestTokenConsume(t *testing.T) {
	at := time.Now().UTC()

	t.Run("fresh token", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("update tokens set consumed_at").
			WithArgs("tok-1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.Tokens(context.Background()).Consume(context.Background(), "tok-1", at); err != nil {
			t.Fatalf("consume: %v", err)
		}
		expectationsMet(t, mock)
	})

	t.Run("already consumed", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("update tokens set consumed_at").
			WithArgs("tok-1", at).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select exists").
			WithArgs("tok-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := store.Tokens(context.Background()).Consume(context.Background(), "tok-1", at)
		if !errors.Is(err, access.ErrAlreadyUsedToken) {
			t.Fatalf("expected ErrAlreadyUsedToken, got %v", err)
		}
		expectationsMet(t, mock)
	})

	t.Run("missing token", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("update tokens set consumed_at").
			WithArgs("tok-1", at).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("select exists").
			WithArgs("tok-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := store.Tokens(context.Background()).Consume(context.Background(), "tok-1", at)
		if !errors.Is(err, access.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		expectationsMet(t, mock)
	})
}

func TestCredentialFindByHashDecodesJSON(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select id, coalesce.*from credentials where key_hash").
		WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "name", "key_hash", "key_prefix", "scopes",
			"status", "ip_allow_list", "expires_at", "last_used_at", "created_by", "created_at",
			"revoked_at", "revoked_reason",
		}).AddRow("cred-1", "t-1", "ci key", "hash-1", "sk_abc", []byte(`["keys:manage","identities:read"]`),
			"active", []byte(`["10.1.*"]`), nil, nil, "admin-1", now, nil, ""))

	got, err := store.Credentials(context.Background()).FindByHash(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got.Scopes) != 2 || got.Scopes[0] != "keys:manage" {
		t.Fatalf("scopes = %v", got.Scopes)
	}
	if len(got.IPAllowList) != 1 || got.IPAllowList[0] != "10.1.*" {
		t.Fatalf("allow list = %v", got.IPAllowList)
	}
	if got.ExpiresAt != nil || got.RevokedAt != nil {
		t.Fatalf("nullable timestamps must map to nil: %+v", got)
	}
	expectationsMet(t, mock)
}

func TestCredentialRevokeIsGuarded(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update credentials set status='revoked'").
		WithArgs("cred-1", "admin-1", "rotation").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Revoking an already-revoked credential is a no-op, not an error.
	if err := store.Credentials(context.Background()).Revoke(context.Background(), "cred-1", "admin-1", "rotation"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	expectationsMet(t, mock)
}

func TestInvitationAcceptTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	identity := &access.Identity{ID: "id-1", TenantID: "t-1", Email: "x@example.com",
		PasswordHash: "hash", Status: access.IdentityActive, CreatedAt: now, UpdatedAt: now}
	membership := &access.Membership{IdentityID: "id-1", TenantID: "t-1", RoleCode: "member", CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("update invitations set status='accepted'").
		WithArgs("inv-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into identities").
		WithArgs("id-1", "t-1", "x@example.com", "hash", access.IdentityActive, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into memberships").
		WithArgs("id-1", "t-1", "member", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Invitations(context.Background()).Accept(context.Background(), "inv-1", now, identity, membership); err != nil {
		t.Fatalf("accept: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTrialProvisionReplaysAfterRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	created := now.Add(-time.Hour)
	expires := now.Add(13 * 24 * time.Hour)
	provisioned := now.Add(-time.Minute)

	// A provision that lost the row lock wakes up, reads the provisioned
	// record and hands it back without touching anything.
	mock.ExpectBegin()
	mock.ExpectQuery("from trials where id=.. for update").
		WithArgs("tr-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "company_name", "email", "status", "tenant_id",
			"admin_identity_id", "created_at", "expires_at", "provisioned_at",
		}).AddRow("tr-1", "Acme", "owner@acme.test", access.TrialProvisioned,
			"t-1", "id-1", created, expires, provisioned))
	mock.ExpectCommit()

	got, err := store.Trials(context.Background()).Provision(context.Background(), "tr-1", now,
		&access.Tenant{ID: "t-other"}, &access.Identity{ID: "id-other"}, &access.Membership{})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if got.Status != access.TrialProvisioned || got.TenantID != "t-1" || got.AdminIdentityID != "id-1" {
		t.Fatalf("record = %+v", got)
	}
	if got.ProvisionedAt == nil || !got.ProvisionedAt.Equal(provisioned) {
		t.Fatalf("provisioned_at = %v", got.ProvisionedAt)
	}
	expectationsMet(t, mock)
}

func TestInvitationAcceptLosesRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update invitations set status='accepted'").
		WithArgs("inv-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Invitations(context.Background()).Accept(context.Background(), "inv-1", now,
		&access.Identity{ID: "id-1"}, &access.Membership{IdentityID: "id-1"})
	if !errors.Is(err, access.ErrAlreadyUsedToken) {
		t.Fatalf("expected ErrAlreadyUsedToken, got %v", err)
	}
	expectationsMet(t, mock)
}
