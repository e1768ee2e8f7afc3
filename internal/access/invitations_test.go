package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tenauth.io/internal/ids"
)

func newInvitationFixture(t *testing.T) (*InvitationService, *MemoryStore, *testClock, *Tenant) {
	t.Helper()
	store := NewMemoryStore()
	clock := &testClock{now: time.Now().UTC()}
	tenant := &Tenant{ID: ids.New(), Name: "Acme", CreatedAt: clock.now, UpdatedAt: clock.now}
	if err := store.Tenants(context.Background()).Create(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	svc := NewInvitationService(store, DefaultConfig(), nil, WithInvitationClock(clock.Now))
	return svc, store, clock, tenant
}

func TestInvitationAccept(t *testing.T) {
	svc, store, _, tenant := newInvitationFixture(t)
	ctx := context.Background()

	inv, secret, err := svc.Create(ctx, tenant.ID, "Invitee@Example.com", "Member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.Email != "invitee@example.com" || inv.RoleCode != "member" {
		t.Fatalf("invitation not normalized: %+v", inv)
	}
	if secret == "" {
		t.Fatal("plaintext token must be returned")
	}

	identity, err := svc.Accept(ctx, secret, "Val1dsecret")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if identity.Status != IdentityActive {
		t.Fatalf("status = %q, want active", identity.Status)
	}
	if identity.TenantID != tenant.ID {
		t.Fatalf("tenant = %q, want %q", identity.TenantID, tenant.ID)
	}

	memberships, err := store.Memberships(ctx).ListByIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("memberships: %v", err)
	}
	if len(memberships) != 1 || memberships[0].RoleCode != "member" {
		t.Fatalf("memberships = %+v, want one member role", memberships)
	}

	// The token is consumed with the first accept.
	if _, err := svc.Accept(ctx, secret, "An0thersecret"); !errors.Is(err, ErrAlreadyUsedToken) {
		t.Fatalf("expected ErrAlreadyUsedToken, got %v", err)
	}
}

func TestInvitationAcceptConcurrent(t *testing.T) {
	svc, store, _, tenant := newInvitationFixture(t)
	ctx := context.Background()

	_, secret, err := svc.Create(ctx, tenant.ID, "race@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Accept(ctx, secret, "J0inersecret")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyUsedToken):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("successful accepts = %d, want exactly 1", wins)
	}

	// Exactly one identity was created for the invited email.
	if _, err := store.Identities(ctx).FindByEmail(ctx, "race@example.com"); err != nil {
		t.Fatalf("find invitee: %v", err)
	}
}

func TestInvitationCreateUnknownTenant(t *testing.T) {
	svc, _, _, _ := newInvitationFixture(t)
	if _, _, err := svc.Create(context.Background(), "no-such-tenant", "x@example.com", "member", "admin-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvitationAcceptExpired(t *testing.T) {
	svc, _, clock, tenant := newInvitationFixture(t)
	ctx := context.Background()

	_, secret, err := svc.Create(ctx, tenant.ID, "late@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(73 * time.Hour)
	if _, err := svc.Accept(ctx, secret, "Val1dsecret"); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestInvitationAcceptRevoked(t *testing.T) {
	svc, _, _, tenant := newInvitationFixture(t)
	ctx := context.Background()

	inv, secret, err := svc.Create(ctx, tenant.ID, "gone@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Revoke(ctx, inv.ID, "admin-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Accept(ctx, secret, "Val1dsecret"); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	// Revoking twice is a conflict, not idempotent success.
	if _, err := svc.Revoke(ctx, inv.ID, "admin-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestInvitationAcceptWeakPassword(t *testing.T) {
	svc, _, _, tenant := newInvitationFixture(t)
	ctx := context.Background()

	_, secret, err := svc.Create(ctx, tenant.ID, "weak@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Accept(ctx, secret, "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// The failed attempt must not consume the token.
	if _, err := svc.Accept(ctx, secret, "Val1dsecret"); err != nil {
		t.Fatalf("accept after rejected password: %v", err)
	}
}

func TestInvitationResendRotatesToken(t *testing.T) {
	svc, _, _, tenant := newInvitationFixture(t)
	ctx := context.Background()

	inv, oldSecret, err := svc.Create(ctx, tenant.ID, "rotate@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resent, newSecret, err := svc.Resend(ctx, inv.ID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if newSecret == oldSecret {
		t.Fatal("resend must rotate the token")
	}
	if resent.ResendCount != 1 {
		t.Fatalf("resend count = %d, want 1", resent.ResendCount)
	}

	// The superseded token no longer resolves.
	if _, err := svc.Accept(ctx, oldSecret, "Val1dsecret"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for rotated token, got %v", err)
	}
	if _, err := svc.Accept(ctx, newSecret, "Val1dsecret"); err != nil {
		t.Fatalf("accept with rotated token: %v", err)
	}
}

func TestInvitationResendCap(t *testing.T) {
	svc, _, _, tenant := newInvitationFixture(t)
	ctx := context.Background()

	inv, _, err := svc.Create(ctx, tenant.ID, "cap@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := svc.Resend(ctx, inv.ID); err != nil {
			t.Fatalf("resend %d: %v", i+1, err)
		}
	}
	if _, _, err := svc.Resend(ctx, inv.ID); !errors.Is(err, ErrMaxResends) {
		t.Fatalf("expected ErrMaxResends, got %v", err)
	}
}

func TestInvitationExpireStale(t *testing.T) {
	svc, store, clock, tenant := newInvitationFixture(t)
	ctx := context.Background()

	inv, _, err := svc.Create(ctx, tenant.ID, "stale@example.com", "member", "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(73 * time.Hour)
	n, err := svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	got, err := store.Invitations(ctx).Find(ctx, inv.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != InvitationExpired {
		t.Fatalf("status = %q, want expired", got.Status)
	}
}
