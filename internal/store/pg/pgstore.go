// Package pg persists tenants, users, the role/permission graph and audit
// events in PostgreSQL through database/sql and the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/ids"
	"cooperp.org/internal/tenant"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ auth.Store  = (*Store)(nil)
	_ audit.Store = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

// PoolConfig sizes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 25
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 15 * time.Minute
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const tenantColumns = `id, slug, name, type, contact_email, subscription_status, subscription_plan,
	subscription_ends_at, quotas, features, settings, is_active, created_by, updated_by,
	created_at, updated_at, deleted_at`

func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	if t.ID == "" {
		t.ID = ids.New()
	}
	quotas, features, settings, err := tenantJSON(t.Quotas, t.Features, t.Settings)
	if err != nil {
		return tenant.Tenant{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into tenants (id, slug, name, type, contact_email, subscription_status, subscription_plan,
			subscription_ends_at, quotas, features, settings, is_active, created_by, updated_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		returning `+tenantColumns,
		t.ID, t.Slug, t.Name, string(t.Type), t.ContactEmail, string(t.SubscriptionStatus), t.SubscriptionPlan,
		nullTime(t.SubscriptionEndsAt), quotas, features, settings, t.IsActive, nullString(t.CreatedBy),
		nullString(t.UpdatedBy), t.CreatedAt)
	out, err := scanTenant(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return tenant.Tenant{}, tenant.ErrConflict
		}
		return tenant.Tenant{}, err
	}
	return out, nil
}

// GetTenant includes soft-deleted tenants.
func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `select `+tenantColumns+` from tenants where id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, err
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+tenantColumns+`
		from tenants
		where slug = $1 and deleted_at is null
	`, slug)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateTenant(ctx context.Context, id string, upd tenant.Update) (tenant.Tenant, error) {
	var (
		setClauses []string
		args       []any
	)
	set := func(column string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Name != nil {
		set("name", *upd.Name)
	}
	if upd.Settings != nil {
		raw, err := json.Marshal(upd.Settings)
		if err != nil {
			return tenant.Tenant{}, fmt.Errorf("marshal settings: %w", err)
		}
		set("settings", raw)
	}
	if upd.Features != nil {
		raw, err := json.Marshal(upd.Features)
		if err != nil {
			return tenant.Tenant{}, fmt.Errorf("marshal features: %w", err)
		}
		set("features", raw)
	}
	if upd.Quotas != nil {
		raw, err := json.Marshal(upd.Quotas)
		if err != nil {
			return tenant.Tenant{}, fmt.Errorf("marshal quotas: %w", err)
		}
		set("quotas", raw)
	}
	if upd.SubscriptionStatus != nil {
		set("subscription_status", string(*upd.SubscriptionStatus))
	}
	set("updated_by", nullString(auth.ActorRef(upd.UpdatedBy)))
	args = append(args, id)
	query := fmt.Sprintf(`
		update tenants set %s, updated_at = now()
		where id = $%d and deleted_at is null
		returning %s`, strings.Join(setClauses, ", "), len(args), tenantColumns)
	t, err := scanTenant(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, err
}

// DeactivateTenant soft-deletes the tenant and deactivates its users and
// roles. Graph edges stay as they are; the effective-permission query
// ignores inactive roles.
func (s *Store) DeactivateTenant(ctx context.Context, id, actor string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update tenants set is_active = false, deleted_at = $2, updated_by = $3, updated_at = $2
		where id = $1 and deleted_at is null
	`, id, at, nullString(auth.ActorRef(actor)))
	if err != nil {
		return err
	}
	if err := expectOne(res, tenant.ErrNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update users set is_active = false, updated_at = $2
		where tenant_id = $1 and is_active
	`, id, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update roles set is_active = false, updated_at = $2
		where tenant_id = $1 and is_active
	`, id, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CountActiveUsers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from users
		where tenant_id = $1 and is_active and deleted_at is null
	`, tenantID).Scan(&n)
	return n, err
}

// AppendAuditEvent stores one recorder event.
func (s *Store) AppendAuditEvent(ctx context.Context, e audit.Event) error {
	fields := []byte("{}")
	if len(e.Fields) > 0 {
		raw, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fields = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, category, type, tenant_id, user_id, ip, user_agent, request_id, occurred_at, fields)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, string(e.Category), e.Type, nullIfEmpty(e.TenantID), nullIfEmpty(e.UserID), nullIfEmpty(e.IP),
		nullIfEmpty(e.UserAgent), nullIfEmpty(e.RequestID), e.OccurredAt, fields)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (tenant.Tenant, error) {
	var (
		t                          tenant.Tenant
		typ, status                string
		endsAt, deletedAt          sql.NullTime
		createdBy, updatedBy       sql.NullString
		quotas, features, settings []byte
	)
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &typ, &t.ContactEmail, &status, &t.SubscriptionPlan,
		&endsAt, &quotas, &features, &settings, &t.IsActive, &createdBy, &updatedBy,
		&t.CreatedAt, &t.UpdatedAt, &deletedAt); err != nil {
		return tenant.Tenant{}, err
	}
	t.Type = tenant.Type(typ)
	t.SubscriptionStatus = tenant.SubscriptionStatus(status)
	t.SubscriptionEndsAt = timePtr(endsAt)
	t.DeletedAt = timePtr(deletedAt)
	t.CreatedBy, t.UpdatedBy = stringPtr(createdBy), stringPtr(updatedBy)
	if err := decodeJSON(quotas, &t.Quotas); err != nil {
		return tenant.Tenant{}, fmt.Errorf("decode quotas: %w", err)
	}
	t.Features = map[string]bool{}
	if err := decodeJSON(features, &t.Features); err != nil {
		return tenant.Tenant{}, fmt.Errorf("decode features: %w", err)
	}
	if err := decodeJSON(settings, &t.Settings); err != nil {
		return tenant.Tenant{}, fmt.Errorf("decode settings: %w", err)
	}
	return t, nil
}

func tenantJSON(q tenant.Quotas, f map[string]bool, st tenant.Settings) (quotas, features, settings []byte, err error) {
	if quotas, err = json.Marshal(q); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal quotas: %w", err)
	}
	if f == nil {
		f = map[string]bool{}
	}
	if features, err = json.Marshal(f); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal features: %w", err)
	}
	if settings, err = json.Marshal(st); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal settings: %w", err)
	}
	return quotas, features, settings, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps constraint violations onto the auth error kinds.
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func expectOne(res sql.Result, notFound error) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return notFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullIfEmpty(*p)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
