package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/tenant"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var userCols = []string{"id", "tenant_id", "email", "first_name", "last_name", "phone", "designation",
	"department", "password_hash", "password_changed_at", "email_verified", "phone_verified",
	"email_verify_digest", "email_verify_expires", "password_reset_digest", "password_reset_expires",
	"login_attempts", "locked_until", "mfa_secret", "mfa_enabled", "is_active", "last_login_at",
	"created_by", "updated_by", "created_at", "updated_at", "deleted_at"}

func userRow(id, hash string, changedAt any) *sqlmock.Rows {
	return sqlmock.NewRows(userCols).AddRow(id, "t1", "a@x.com", "A", "B", "", "", "", hash, changedAt,
		false, false, nil, nil, nil, nil, 0, nil, "", false, true, nil, nil, nil, now, now, nil)
}

var grantCols = []string{"id", "role_id", "permission_id", "is_active", "conditions", "granted_at",
	"granted_by", "revoked_at", "revoked_by", "created_at", "updated_at"}

func TestRecordLoginFailureLocksRow(t *testing.T) {
	s, mock := newMock(t)
	policy := auth.LockoutPolicy{Threshold: 5, Window: 2 * time.Hour}

	mock.ExpectBegin()
	mock.ExpectQuery(`select login_attempts, locked_until from users where id = \$1 and deleted_at is null for update`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "locked_until"}).AddRow(4, nil))
	mock.ExpectExec(`update users set login_attempts = \$2, locked_until = \$3`).
		WithArgs("u1", 5, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st, err := s.RecordLoginFailure(context.Background(), "u1", policy, now)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if st.Attempts != 5 || st.LockedUntil == nil || !st.LockedUntil.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestRecordLoginFailureRestartsAfterExpiredLock(t *testing.T) {
	s, mock := newMock(t)
	expired := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`select login_attempts, locked_until from users`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "locked_until"}).AddRow(5, expired))
	mock.ExpectExec(`update users set login_attempts`).
		WithArgs("u1", 1, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	st, err := s.RecordLoginFailure(context.Background(), "u1", auth.DefaultLockoutPolicy(), now)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if st.Attempts != 1 || st.LockedUntil != nil {
		t.Fatalf("expected restart at 1, got %+v", st)
	}
}

func TestRecordLoginFailureUnknownUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select login_attempts, locked_until from users`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if _, err := s.RecordLoginFailure(context.Background(), "ghost", auth.DefaultLockoutPolicy(), now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeResetTokenOnce(t *testing.T) {
	s, mock := newMock(t)
	consume := auth.TokenConsumption{Kind: auth.TokenPasswordReset, Digest: "d1", Now: now, PasswordHash: "h2"}

	mock.ExpectQuery(`update users set password_hash = \$3, password_changed_at = \$2, password_reset_digest = null, password_reset_expires = null, updated_at = \$2 where password_reset_digest = \$1 and password_reset_expires > \$2`).
		WithArgs("d1", now, "h2").
		WillReturnRows(userRow("u1", "h2", now))
	mock.ExpectQuery(`update users set password_hash`).
		WithArgs("d1", now, "h2").
		WillReturnError(sql.ErrNoRows)

	u, err := s.ConsumeUserToken(context.Background(), consume)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if u.PasswordHash != "h2" || u.PasswordChangedAt == nil || !u.PasswordChangedAt.Equal(now) {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := s.ConsumeUserToken(context.Background(), consume); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second consume must fail with ErrNotFound, got %v", err)
	}
}

func TestConsumeVerificationToken(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`update users set email_verified = true`).
		WithArgs("d2", now).
		WillReturnRows(userRow("u1", "h", nil))

	if _, err := s.ConsumeUserToken(context.Background(), auth.TokenConsumption{Kind: auth.TokenEmailVerification, Digest: "d2", Now: now}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := s.ConsumeUserToken(context.Background(), auth.TokenConsumption{Kind: "other", Digest: "x", Now: now}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("unknown kind: %v", err)
	}
	if _, err := s.ConsumeUserToken(context.Background(), auth.TokenConsumption{Kind: auth.TokenEmailVerification, Now: now}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("empty digest: %v", err)
	}
}

func TestCreateUserTranslatesConstraints(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{pgErrUniqueViolation, auth.ErrConflict},
		{pgErrForeignKeyViolation, auth.ErrNotFound},
	}
	for _, tc := range cases {
		s, mock := newMock(t)
		mock.ExpectQuery(`insert into users`).WillReturnError(&pgconn.PgError{Code: tc.code})
		_, err := s.CreateUser(context.Background(), auth.User{TenantID: "t1", Email: "a@x.com", CreatedAt: now})
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %s: got %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestCreateTenantSlugConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`insert into tenants`).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.CreateTenant(context.Background(), tenant.Tenant{Slug: "acme", CreatedAt: now}); !errors.Is(err, tenant.ErrConflict) {
		t.Fatalf("expected tenant.ErrConflict, got %v", err)
	}
}

func TestDeactivateTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`update tenants set is_active = false, deleted_at = \$2`).
		WithArgs("t1", now, "root").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update users set is_active = false`).WithArgs("t1", now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`update roles set is_active = false`).WithArgs("t1", now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	if err := s.DeactivateTenant(context.Background(), "t1", "root", now); err != nil {
		t.Fatalf("DeactivateTenant: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`update tenants set is_active = false`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	if err := s.DeactivateTenant(context.Background(), "t1", "root", now); !errors.Is(err, tenant.ErrNotFound) {
		t.Fatalf("expected tenant.ErrNotFound, got %v", err)
	}
}

func TestEnableMFARequiresMatchingSecret(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`update users set mfa_enabled = true`).
		WithArgs("u1", "STALE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.EnableMFA(context.Background(), "u1", "STALE"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.EnableMFA(context.Background(), "u1", ""); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("empty secret: %v", err)
	}
}

func TestGrantPermissionUpserts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`insert into role_permissions .* on conflict \(role_id, permission_id\) do update set is_active = true`).
		WithArgs(sqlmock.AnyArg(), "r1", "p1", []byte(`{"scope":"own"}`), now, "admin").
		WillReturnRows(sqlmock.NewRows(grantCols).
			AddRow("g1", "r1", "p1", true, []byte(`{"scope":"own"}`), now, "admin", nil, nil, now, now))

	rp, err := s.GrantPermission(context.Background(), auth.Grant{
		RoleID: "r1", PermissionID: "p1", Actor: "admin", Conditions: map[string]any{"scope": "own"}, At: now,
	})
	if err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if rp.ID != "g1" || !rp.IsActive || rp.Conditions["scope"] != "own" || rp.RevokedAt != nil {
		t.Fatalf("unexpected edge %+v", rp)
	}

	mock.ExpectQuery(`insert into role_permissions`).WillReturnError(sql.ErrNoRows)
	if _, err := s.GrantPermission(context.Background(), auth.Grant{RoleID: "deleted", PermissionID: "p1", At: now}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("deleted role: %v", err)
	}
}

func TestRevokePermissionWithoutActiveEdge(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`update role_permissions set is_active = false`).
		WithArgs("r1", "p1", now, "admin").
		WillReturnError(sql.ErrNoRows)
	_, found, err := s.RevokePermission(context.Background(), "r1", "p1", "admin", now)
	if err != nil || found {
		t.Fatalf("expected found=false, got found=%v err=%v", found, err)
	}
}

func TestSyncPermissionsAppliesDiffInTransaction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from roles where id = \$1 and deleted_at is null for update`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery(`select permission_id from role_permissions`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"permission_id"}).AddRow("p2").AddRow("p3"))
	mock.ExpectExec(`update role_permissions set is_active = false`).
		WithArgs("r1", "p3", now, "admin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs(sqlmock.AnyArg(), "r1", "p1", nil, now, "admin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.SyncPermissions(context.Background(), "r1", []string{"p1", "p2"}, "admin", now)
	if err != nil {
		t.Fatalf("SyncPermissions: %v", err)
	}
	if len(res.Granted) != 1 || res.Granted[0] != "p1" || len(res.Revoked) != 1 || res.Revoked[0] != "p3" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSyncPermissionsRollsBackOnUnknownPermission(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select id from roles`).WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery(`select permission_id from role_permissions`).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"permission_id"}))
	mock.ExpectExec(`insert into role_permissions`).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	if _, err := s.SyncPermissions(context.Background(), "r1", []string{"ghost"}, "", now); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignRoleRejectsCrossTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select u.tenant_id, r.tenant_id from users u, roles r`).
		WithArgs("u1", "r9").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "tenant_id"}).AddRow("t1", "t2"))
	_, err := s.AssignRole(context.Background(), auth.Assignment{UserID: "u1", RoleID: "r9", At: now})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEffectivePermissionsFiltersInactive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`select distinct p.slug from user_roles ur .* where ur.user_id = \$1 and ur.is_active and r.is_active and r.deleted_at is null and rp.is_active and p.is_active`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"slug"}))
	perms, err := s.EffectivePermissions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if perms == nil || len(perms) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", perms)
	}
}

func TestAppendAuditEvent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into audit_events`).
		WithArgs("e1", "security", "LOGIN_FAILED", "t1", nil, "10.0.0.1", nil, "req-1", now, []byte(`{"email":"a@x.com"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := s.AppendAuditEvent(context.Background(), audit.Event{
		ID: "e1", Category: audit.CategorySecurity, Type: "LOGIN_FAILED", TenantID: "t1", IP: "10.0.0.1",
		RequestID: "req-1", OccurredAt: now, Fields: map[string]any{"email": "a@x.com"},
	})
	if err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}
}

func TestUpdateRoleStampsGivenTime(t *testing.T) {
	s, mock := newMock(t)
	roleCols := []string{"id", "tenant_id", "name", "slug", "description", "level", "type", "is_default", "is_active",
		"created_by", "updated_by", "created_at", "updated_at", "deleted_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(`select tenant_id from roles where id = \$1 and deleted_at is null for update`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t1"))
	mock.ExpectQuery(`update roles set name = \$1, updated_by = \$2, updated_at = \$3 where id = \$4`).
		WithArgs("Clerk", sqlmock.AnyArg(), now, "r1").
		WillReturnRows(sqlmock.NewRows(roleCols).
			AddRow("r1", "t1", "Clerk", "clerk", "", 20, "custom", false, true, nil, "admin", now, now, nil))
	mock.ExpectCommit()

	name := "Clerk"
	role, err := s.UpdateRole(context.Background(), "r1", auth.RoleUpdate{Name: &name, UpdatedBy: "admin", At: now})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if !role.UpdatedAt.Equal(now) || role.UpdatedBy == nil || *role.UpdatedBy != "admin" {
		t.Fatalf("unexpected role %+v", role)
	}
}
