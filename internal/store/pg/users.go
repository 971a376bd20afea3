package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cooperp.org/internal/auth"
	"cooperp.org/internal/ids"
)

const userColumns = `id, tenant_id, email, first_name, last_name, phone, designation, department,
	password_hash, password_changed_at, email_verified, phone_verified, email_verify_digest,
	email_verify_expires, password_reset_digest, password_reset_expires, login_attempts, locked_until,
	mfa_secret, mfa_enabled, is_active, last_login_at, created_by, updated_by, created_at, updated_at,
	deleted_at`

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if u.ID == "" {
		u.ID = ids.New()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, tenant_id, email, first_name, last_name, phone, designation, department,
			password_hash, password_changed_at, email_verified, email_verify_digest, email_verify_expires,
			is_active, created_by, updated_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		returning `+userColumns,
		u.ID, u.TenantID, u.Email, u.FirstName, u.LastName, u.Phone, u.Designation, u.Department,
		u.PasswordHash, nullTime(u.PasswordChangedAt), u.EmailVerified, nullIfEmpty(u.EmailVerifyDigest),
		nullTime(u.EmailVerifyExpires), u.IsActive, nullString(u.CreatedBy), nullString(u.UpdatedBy), u.CreatedAt)
	out, err := scanUser(row)
	if err != nil {
		return auth.User{}, translate(err)
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	return s.oneUser(ctx, `select `+userColumns+` from users where id = $1 and deleted_at is null`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.oneUser(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = lower($1) and deleted_at is null
	`, email)
}

func (s *Store) ListUsers(ctx context.Context, tenantID string) ([]auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users
		where tenant_id = $1 and deleted_at is null
		order by id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUserByToken(ctx context.Context, kind auth.TokenKind, digest string, now time.Time) (auth.User, error) {
	digestCol, expiresCol, err := tokenColumns(kind)
	if err != nil {
		return auth.User{}, err
	}
	if digest == "" {
		return auth.User{}, auth.ErrNotFound
	}
	query := fmt.Sprintf(`
		select %s
		from users
		where %s = $1 and %s > $2 and is_active and deleted_at is null`, userColumns, digestCol, expiresCol)
	return s.oneUser(ctx, query, digest, now)
}

func (s *Store) SetUserToken(ctx context.Context, userID string, kind auth.TokenKind, digest string, expiresAt time.Time) error {
	digestCol, expiresCol, err := tokenColumns(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		update users set %s = $2, %s = $3, updated_at = now()
		where id = $1 and deleted_at is null`, digestCol, expiresCol)
	res, err := s.db.ExecContext(ctx, query, userID, digest, expiresAt)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

// ConsumeUserToken matches the digest and applies the change in one
// conditional update, so concurrent callers cannot both succeed.
func (s *Store) ConsumeUserToken(ctx context.Context, c auth.TokenConsumption) (auth.User, error) {
	if c.Digest == "" {
		return auth.User{}, auth.ErrNotFound
	}
	var row *sql.Row
	switch c.Kind {
	case auth.TokenPasswordReset:
		row = s.db.QueryRowContext(ctx, `
			update users
			set password_hash = $3, password_changed_at = $2,
				password_reset_digest = null, password_reset_expires = null, updated_at = $2
			where password_reset_digest = $1 and password_reset_expires > $2
				and is_active and deleted_at is null
			returning `+userColumns, c.Digest, c.Now, c.PasswordHash)
	case auth.TokenEmailVerification:
		row = s.db.QueryRowContext(ctx, `
			update users
			set email_verified = true, email_verify_digest = null, email_verify_expires = null, updated_at = $2
			where email_verify_digest = $1 and email_verify_expires > $2
				and is_active and deleted_at is null
			returning `+userColumns, c.Digest, c.Now)
	default:
		return auth.User{}, fmt.Errorf("%w: unknown token kind %q", auth.ErrInvalidInput, c.Kind)
	}
	u, err := scanUser(row)
	if err != nil {
		return auth.User{}, translate(err)
	}
	return u, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, password_changed_at = $3,
			password_reset_digest = null, password_reset_expires = null, updated_at = $3
		where id = $1 and deleted_at is null
	`, userID, hash, at)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

// RecordLoginFailure locks the user row so concurrent failures are counted
// one after another.
func (s *Store) RecordLoginFailure(ctx context.Context, userID string, policy auth.LockoutPolicy, now time.Time) (auth.LockState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.LockState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select login_attempts, locked_until
		from users
		where id = $1 and deleted_at is null
		for update
	`, userID).Scan(&attempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LockState{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LockState{}, err
	}
	next := policy.Next(auth.LockState{Attempts: attempts, LockedUntil: timePtr(lockedUntil)}, now)
	if _, err := tx.ExecContext(ctx, `
		update users set login_attempts = $2, locked_until = $3, updated_at = $4
		where id = $1
	`, userID, next.Attempts, nullTime(next.LockedUntil), now); err != nil {
		return auth.LockState{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.LockState{}, err
	}
	return next, nil
}

func (s *Store) RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set login_attempts = 0, locked_until = null, last_login_at = $2, updated_at = $2
		where id = $1 and deleted_at is null
	`, userID, now)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s *Store) SetMFASecret(ctx context.Context, userID, secret string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set mfa_secret = $2, mfa_enabled = false, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, secret)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

// EnableMFA only succeeds while the pending secret is still secret.
func (s *Store) EnableMFA(ctx context.Context, userID, secret string) error {
	if secret == "" {
		return auth.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		update users set mfa_enabled = true, updated_at = now()
		where id = $1 and mfa_secret = $2 and deleted_at is null
	`, userID, secret)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s *Store) DisableMFA(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set mfa_secret = '', mfa_enabled = false, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}

func (s *Store) DeactivateUser(ctx context.Context, userID, actor string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	by := nullString(auth.ActorRef(actor))
	res, err := tx.ExecContext(ctx, `
		update users set is_active = false, deleted_at = $2, updated_by = $3, updated_at = $2
		where id = $1 and deleted_at is null
	`, userID, at, by)
	if err != nil {
		return err
	}
	if err := expectOne(res, auth.ErrNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update user_roles set is_active = false, revoked_at = $2, revoked_by = $3, updated_at = $2
		where user_id = $1 and is_active
	`, userID, at, by); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) oneUser(ctx context.Context, query string, args ...any) (auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	return u, err
}

func tokenColumns(kind auth.TokenKind) (digest, expires string, err error) {
	switch kind {
	case auth.TokenPasswordReset:
		return "password_reset_digest", "password_reset_expires", nil
	case auth.TokenEmailVerification:
		return "email_verify_digest", "email_verify_expires", nil
	}
	return "", "", fmt.Errorf("%w: unknown token kind %q", auth.ErrInvalidInput, kind)
}

func scanUser(row scanner) (auth.User, error) {
	var (
		u                              auth.User
		verifyDigest, resetDigest      sql.NullString
		createdBy, updatedBy           sql.NullString
		changedAt, verifyExp, resetExp sql.NullTime
		lockedUntil, lastLogin, delAt  sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.FirstName, &u.LastName, &u.Phone, &u.Designation,
		&u.Department, &u.PasswordHash, &changedAt, &u.EmailVerified, &u.PhoneVerified, &verifyDigest,
		&verifyExp, &resetDigest, &resetExp, &u.LoginAttempts, &lockedUntil, &u.MFASecret, &u.MFAEnabled,
		&u.IsActive, &lastLogin, &createdBy, &updatedBy, &u.CreatedAt, &u.UpdatedAt, &delAt); err != nil {
		return auth.User{}, err
	}
	u.PasswordChangedAt = timePtr(changedAt)
	u.EmailVerifyDigest, u.EmailVerifyExpires = verifyDigest.String, timePtr(verifyExp)
	u.PasswordResetDigest, u.PasswordResetExpires = resetDigest.String, timePtr(resetExp)
	u.LockedUntil, u.LastLoginAt, u.DeletedAt = timePtr(lockedUntil), timePtr(lastLogin), timePtr(delAt)
	u.CreatedBy, u.UpdatedBy = stringPtr(createdBy), stringPtr(updatedBy)
	return u, nil
}
