package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cooperp.org/internal/auth"
	"cooperp.org/internal/ids"
)

const roleColumns = `id, tenant_id, name, slug, description, level, type, is_default, is_active,
	created_by, updated_by, created_at, updated_at, deleted_at`

const permissionColumns = `id, module, resource, action, slug, name, description, type, level, is_active,
	created_at, updated_at`

const grantColumns = `id, role_id, permission_id, is_active, conditions, granted_at, granted_by,
	revoked_at, revoked_by, created_at, updated_at`

const assignmentColumns = `id, user_id, role_id, tenant_id, is_active, assigned_at, assigned_by,
	revoked_at, revoked_by, created_at, updated_at`

// upsertGrant re-activates the single (role, permission) row or inserts it.
// Deleted roles produce no row.
const upsertGrant = `
	insert into role_permissions (id, role_id, permission_id, is_active, conditions, granted_at, granted_by, created_at, updated_at)
	select $1, r.id, $3, true, $4, $5, $6, $5, $5
	from roles r
	where r.id = $2 and r.deleted_at is null
	on conflict (role_id, permission_id) do update
	set is_active = true, conditions = excluded.conditions, granted_at = excluded.granted_at,
		granted_by = excluded.granted_by, revoked_at = null, revoked_by = null, updated_at = excluded.updated_at
	returning ` + grantColumns

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if r.ID == "" {
		r.ID = ids.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if r.IsDefault {
		if err := clearDefault(ctx, tx, r.TenantID, r.ID, r.CreatedAt); err != nil {
			return auth.Role{}, err
		}
	}
	row := tx.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, slug, description, level, type, is_default, is_active,
			created_by, updated_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		returning `+roleColumns,
		r.ID, r.TenantID, r.Name, r.Slug, r.Description, r.Level, string(r.Type), r.IsDefault, r.IsActive,
		nullString(r.CreatedBy), nullString(r.UpdatedBy), r.CreatedAt)
	out, err := scanRole(row)
	if err != nil {
		return auth.Role{}, translate(err)
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return out, nil
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+`
		from roles
		where id = $1 and deleted_at is null
	`, id))
	if err != nil {
		return auth.Role{}, translate(err)
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	return s.roles(ctx, `
		select `+roleColumns+`
		from roles
		where tenant_id = $1 and deleted_at is null
		order by level desc, slug
	`, tenantID)
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var tenantID string
	err = tx.QueryRowContext(ctx, `
		select tenant_id from roles where id = $1 and deleted_at is null for update
	`, id).Scan(&tenantID)
	if err != nil {
		return auth.Role{}, translate(err)
	}
	now := upd.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if upd.IsDefault != nil && *upd.IsDefault {
		if err := clearDefault(ctx, tx, tenantID, id, now); err != nil {
			return auth.Role{}, err
		}
	}

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
	if upd.Slug != nil {
		set("slug", *upd.Slug)
	}
	if upd.Description != nil {
		set("description", *upd.Description)
	}
	if upd.Level != nil {
		set("level", *upd.Level)
	}
	if upd.IsDefault != nil {
		set("is_default", *upd.IsDefault)
	}
	set("updated_by", nullString(auth.ActorRef(upd.UpdatedBy)))
	set("updated_at", now)
	args = append(args, id)
	query := fmt.Sprintf(`update roles set %s where id = $%d returning %s`,
		strings.Join(setClauses, ", "), len(args), roleColumns)
	out, err := scanRole(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return auth.Role{}, translate(err)
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return out, nil
}

func (s *Store) DeactivateRole(ctx context.Context, id, actor string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	by := nullString(auth.ActorRef(actor))
	res, err := tx.ExecContext(ctx, `
		update roles set is_active = false, is_default = false, deleted_at = $2, updated_by = $3, updated_at = $2
		where id = $1 and deleted_at is null
	`, id, at, by)
	if err != nil {
		return err
	}
	if err := expectOne(res, auth.ErrNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update role_permissions set is_active = false, revoked_at = $2, revoked_by = $3, updated_at = $2
		where role_id = $1 and is_active
	`, id, at, by); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update user_roles set is_active = false, revoked_at = $2, revoked_by = $3, updated_at = $2
		where role_id = $1 and is_active
	`, id, at, by); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DefaultRole(ctx context.Context, tenantID string) (auth.Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+`
		from roles
		where tenant_id = $1 and is_default and is_active and deleted_at is null
		limit 1
	`, tenantID))
	if err != nil {
		return auth.Role{}, translate(err)
	}
	return r, nil
}

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if p.ID == "" {
		p.ID = ids.New()
	}
	out, err := scanPermission(s.db.QueryRowContext(ctx, `
		insert into permissions (id, module, resource, action, slug, name, description, type, level, is_active,
			created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		returning `+permissionColumns,
		p.ID, p.Module, p.Resource, p.Action, p.Slug, p.Name, p.Description, string(p.Type), p.Level,
		p.IsActive, p.CreatedAt))
	if err != nil {
		return auth.Permission{}, translate(err)
	}
	return out, nil
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		select `+permissionColumns+` from permissions where id = $1
	`, id))
	if err != nil {
		return auth.Permission{}, translate(err)
	}
	return p, nil
}

func (s *Store) ListPermissions(ctx context.Context, module string) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+permissionColumns+`
		from permissions
		where $1 = '' or module = $1
		order by slug
	`, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// EnsurePermissions inserts catalog entries whose slug is missing.
func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, module, resource, action, slug, name, description, type, level, is_active,
				created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			on conflict (slug) do nothing
		`, p.ID, p.Module, p.Resource, p.Action, p.Slug, p.Name, p.Description, string(p.Type), p.Level,
			p.IsActive, p.CreatedAt); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Slug, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GrantPermission(ctx context.Context, g auth.Grant) (auth.RolePermission, error) {
	conditions, err := conditionsJSON(g.Conditions)
	if err != nil {
		return auth.RolePermission{}, err
	}
	rp, err := scanGrant(s.db.QueryRowContext(ctx, upsertGrant,
		ids.New(), g.RoleID, g.PermissionID, conditions, g.At, nullString(auth.ActorRef(g.Actor))))
	if err != nil {
		return auth.RolePermission{}, translate(err)
	}
	return rp, nil
}

func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID, actor string, at time.Time) (auth.RolePermission, bool, error) {
	rp, err := scanGrant(s.db.QueryRowContext(ctx, `
		update role_permissions set is_active = false, revoked_at = $3, revoked_by = $4, updated_at = $3
		where role_id = $1 and permission_id = $2 and is_active
		returning `+grantColumns,
		roleID, permissionID, at, nullString(auth.ActorRef(actor))))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RolePermission{}, false, nil
	}
	if err != nil {
		return auth.RolePermission{}, false, err
	}
	return rp, true, nil
}

// SyncPermissions locks the role row, diffs the active set against desired
// and applies the difference in one transaction. Unknown permission ids fail
// the foreign key and roll everything back.
func (s *Store) SyncPermissions(ctx context.Context, roleID string, desired []string, actor string, at time.Time) (auth.SyncResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.SyncResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `
		select id from roles where id = $1 and deleted_at is null for update
	`, roleID).Scan(&locked); err != nil {
		return auth.SyncResult{}, translate(err)
	}

	rows, err := tx.QueryContext(ctx, `
		select permission_id from role_permissions
		where role_id = $1 and is_active
		order by permission_id
	`, roleID)
	if err != nil {
		return auth.SyncResult{}, err
	}
	var active []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return auth.SyncResult{}, err
		}
		active = append(active, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return auth.SyncResult{}, err
	}

	grant, revoke := auth.DiffPermissionSets(active, desired)
	by := nullString(auth.ActorRef(actor))
	for _, id := range revoke {
		if _, err := tx.ExecContext(ctx, `
			update role_permissions set is_active = false, revoked_at = $3, revoked_by = $4, updated_at = $3
			where role_id = $1 and permission_id = $2 and is_active
		`, roleID, id, at, by); err != nil {
			return auth.SyncResult{}, err
		}
	}
	for _, id := range grant {
		if _, err := tx.ExecContext(ctx, upsertGrant, ids.New(), roleID, id, nil, at, by); err != nil {
			return auth.SyncResult{}, translate(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return auth.SyncResult{}, err
	}
	return auth.SyncResult{Granted: nonNil(grant), Revoked: nonNil(revoke)}, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]auth.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+`
		from role_permissions
		where role_id = $1 and is_active
		order by permission_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RolePermission
	for rows.Next() {
		rp, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AssignRole(ctx context.Context, a auth.Assignment) (auth.UserRole, error) {
	var userTenant, roleTenant string
	err := s.db.QueryRowContext(ctx, `
		select u.tenant_id, r.tenant_id
		from users u, roles r
		where u.id = $1 and u.deleted_at is null and r.id = $2 and r.deleted_at is null
	`, a.UserID, a.RoleID).Scan(&userTenant, &roleTenant)
	if err != nil {
		return auth.UserRole{}, translate(err)
	}
	if userTenant != roleTenant {
		return auth.UserRole{}, fmt.Errorf("%w: user and role belong to different tenants", auth.ErrInvalidInput)
	}
	ur, err := scanAssignment(s.db.QueryRowContext(ctx, `
		insert into user_roles (id, user_id, role_id, tenant_id, is_active, assigned_at, assigned_by, created_at, updated_at)
		values ($1, $2, $3, $4, true, $5, $6, $5, $5)
		on conflict (user_id, role_id) do update
		set is_active = true, assigned_at = excluded.assigned_at, assigned_by = excluded.assigned_by,
			revoked_at = null, revoked_by = null, updated_at = excluded.updated_at
		returning `+assignmentColumns,
		ids.New(), a.UserID, a.RoleID, userTenant, a.At, nullString(auth.ActorRef(a.Actor))))
	if err != nil {
		return auth.UserRole{}, translate(err)
	}
	return ur, nil
}

func (s *Store) RevokeRole(ctx context.Context, userID, roleID, actor string, at time.Time) (auth.UserRole, bool, error) {
	ur, err := scanAssignment(s.db.QueryRowContext(ctx, `
		update user_roles set is_active = false, revoked_at = $3, revoked_by = $4, updated_at = $3
		where user_id = $1 and role_id = $2 and is_active
		returning `+assignmentColumns,
		userID, roleID, at, nullString(auth.ActorRef(actor))))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.UserRole{}, false, nil
	}
	if err != nil {
		return auth.UserRole{}, false, err
	}
	return ur, true, nil
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]auth.Role, error) {
	return s.roles(ctx, `
		select r.id, r.tenant_id, r.name, r.slug, r.description, r.level, r.type, r.is_default, r.is_active,
			r.created_by, r.updated_by, r.created_at, r.updated_at, r.deleted_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1 and ur.is_active and r.is_active and r.deleted_at is null
		order by r.level desc, r.slug
	`, userID)
}

func (s *Store) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.slug
		from user_roles ur
		join roles r on r.id = ur.role_id
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
			and ur.is_active
			and r.is_active and r.deleted_at is null
			and rp.is_active
			and p.is_active
		order by p.slug
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := []string{}
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		perms = append(perms, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) roles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func clearDefault(ctx context.Context, tx *sql.Tx, tenantID, keepID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		update roles set is_default = false, updated_at = $3
		where tenant_id = $1 and id <> $2 and is_default and deleted_at is null
	`, tenantID, keepID, at)
	return err
}

func scanRole(row scanner) (auth.Role, error) {
	var (
		r                    auth.Role
		typ                  string
		createdBy, updatedBy sql.NullString
		deletedAt            sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Slug, &r.Description, &r.Level, &typ, &r.IsDefault,
		&r.IsActive, &createdBy, &updatedBy, &r.CreatedAt, &r.UpdatedAt, &deletedAt); err != nil {
		return auth.Role{}, err
	}
	r.Type = auth.RoleType(typ)
	r.CreatedBy, r.UpdatedBy = stringPtr(createdBy), stringPtr(updatedBy)
	r.DeletedAt = timePtr(deletedAt)
	return r, nil
}

func scanPermission(row scanner) (auth.Permission, error) {
	var (
		p   auth.Permission
		typ string
	)
	if err := row.Scan(&p.ID, &p.Module, &p.Resource, &p.Action, &p.Slug, &p.Name, &p.Description, &typ,
		&p.Level, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return auth.Permission{}, err
	}
	p.Type = auth.PermissionType(typ)
	return p, nil
}

func scanGrant(row scanner) (auth.RolePermission, error) {
	var (
		rp                   auth.RolePermission
		conditions           []byte
		grantedBy, revokedBy sql.NullString
		revokedAt            sql.NullTime
	)
	if err := row.Scan(&rp.ID, &rp.RoleID, &rp.PermissionID, &rp.IsActive, &conditions, &rp.GrantedAt,
		&grantedBy, &revokedAt, &revokedBy, &rp.CreatedAt, &rp.UpdatedAt); err != nil {
		return auth.RolePermission{}, err
	}
	if err := decodeJSON(conditions, &rp.Conditions); err != nil {
		return auth.RolePermission{}, fmt.Errorf("decode conditions: %w", err)
	}
	rp.GrantedBy, rp.RevokedBy = stringPtr(grantedBy), stringPtr(revokedBy)
	rp.RevokedAt = timePtr(revokedAt)
	return rp, nil
}

func scanAssignment(row scanner) (auth.UserRole, error) {
	var (
		ur                    auth.UserRole
		assignedBy, revokedBy sql.NullString
		revokedAt             sql.NullTime
	)
	if err := row.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.TenantID, &ur.IsActive, &ur.AssignedAt,
		&assignedBy, &revokedAt, &revokedBy, &ur.CreatedAt, &ur.UpdatedAt); err != nil {
		return auth.UserRole{}, err
	}
	ur.AssignedBy, ur.RevokedBy = stringPtr(assignedBy), stringPtr(revokedBy)
	ur.RevokedAt = timePtr(revokedAt)
	return ur, nil
}

func conditionsJSON(c map[string]any) (any, error) {
	if len(c) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}
	return raw, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
