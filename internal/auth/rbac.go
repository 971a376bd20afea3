package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cooperp.org/internal/audit"
)

// RBACStore is the persistence the graph service needs.
type RBACStore interface {
	GraphStore
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)
	DeactivateUser(ctx context.Context, userID, actor string, at time.Time) error
}

// RoleInput describes a role to create.
type RoleInput struct {
	TenantID    string
	Name        string
	Slug        string
	Description string
	Level       int
	Type        RoleType
	IsDefault   bool
	By          Caller
}

// Caller is who changes the graph. Without Override a caller may only touch
// roles and permissions below its own level, and never a reserved slug.
type Caller struct {
	UserID   string
	Level    int
	Override bool
}

// PermissionInput describes a catalog entry to create.
type PermissionInput struct {
	Module      string
	Resource    string
	Action      string
	Name        string
	Description string
	Level       int
}

// RBACService manages the role/permission graph. Tenant-scoped calls treat
// roles and users of another tenant as not found.
type RBACService struct {
	store    RBACStore
	recorder *audit.Recorder
	now      func() time.Time
	reserved map[string]struct{}
}

type RBACOption func(*RBACService)

// WithRBACClock overrides the time source.
func WithRBACClock(fn func() time.Time) RBACOption {
	return func(s *RBACService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithReservedRoles lists slugs that only override callers may create,
// rename to or assign.
func WithReservedRoles(slugs ...string) RBACOption {
	return func(s *RBACService) {
		for _, slug := range slugs {
			if slug = RoleSlug(slug); slug != "" {
				s.reserved[slug] = struct{}{}
			}
		}
	}
}

func NewRBACService(store RBACStore, rec *audit.Recorder, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	s := &RBACService{store: store, recorder: rec, now: time.Now, reserved: map[string]struct{}{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// checkRole refuses a role a caller could use to raise its own standing.
func (s *RBACService) checkRole(by Caller, slug string, level int) error {
	if by.Override {
		return nil
	}
	if _, ok := s.reserved[slug]; ok {
		return ErrReservedRole
	}
	if level >= by.Level {
		return ErrRoleCeiling
	}
	return nil
}

func (s *RBACService) checkPermission(by Caller, p Permission) error {
	if by.Override || p.Level <= by.Level {
		return nil
	}
	return ErrRoleCeiling
}

func (s *RBACService) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	if in.TenantID == "" {
		return Role{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Role{}, NewValidationError("name", "role name is required")
	}
	slug := RoleSlug(in.Slug)
	if slug == "" {
		slug = RoleSlug(in.Name)
	}
	if slug == "" {
		return Role{}, NewValidationError("slug", "role slug must contain letters or digits")
	}
	if in.Level < 0 || in.Level > 100 {
		return Role{}, NewValidationError("level", "level must be between 0 and 100")
	}
	if in.Type == "" {
		in.Type = RoleTypeCustom
	}
	if in.Type != RoleTypeCustom && in.Type != RoleTypeSystem {
		return Role{}, NewValidationError("type", "unsupported role type")
	}
	if err := s.checkRole(in.By, slug, in.Level); err != nil {
		return Role{}, err
	}
	now := s.now().UTC()
	role, err := s.store.CreateRole(ctx, Role{
		TenantID:    in.TenantID,
		Name:        in.Name,
		Slug:        slug,
		Description: strings.TrimSpace(in.Description),
		Level:       in.Level,
		Type:        in.Type,
		IsDefault:   in.IsDefault,
		IsActive:    true,
		CreatedBy:   ActorRef(in.By.UserID),
		UpdatedBy:   ActorRef(in.By.UserID),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Role{}, err
	}
	s.recorder.Audit(ctx, audit.EventRoleCreated, map[string]any{
		"role_id": role.ID, "slug": role.Slug, "level": role.Level, "is_default": role.IsDefault,
	})
	return role, nil
}

func (s *RBACService) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.ListRoles(ctx, tenantID)
}

// GetRole returns roleID if it belongs to tenantID.
func (s *RBACService) GetRole(ctx context.Context, tenantID, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if tenantID != "" && role.TenantID != tenantID {
		return Role{}, ErrNotFound
	}
	return role, nil
}

// UpdateRole applies upd. A new name re-derives the slug unless a slug is given.
func (s *RBACService) UpdateRole(ctx context.Context, tenantID, roleID string, upd RoleUpdate, by Caller) (Role, error) {
	cur, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return Role{}, err
	}
	if err := s.checkRole(by, cur.Slug, cur.Level); err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, NewValidationError("name", "role name is required")
		}
		upd.Name = &name
		if upd.Slug == nil {
			slug := RoleSlug(name)
			upd.Slug = &slug
		}
	}
	if upd.Slug != nil {
		slug := RoleSlug(*upd.Slug)
		if slug == "" {
			return Role{}, NewValidationError("slug", "role slug must contain letters or digits")
		}
		upd.Slug = &slug
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	if upd.Level != nil && (*upd.Level < 0 || *upd.Level > 100) {
		return Role{}, NewValidationError("level", "level must be between 0 and 100")
	}
	slug, level := cur.Slug, cur.Level
	if upd.Slug != nil {
		slug = *upd.Slug
	}
	if upd.Level != nil {
		level = *upd.Level
	}
	if err := s.checkRole(by, slug, level); err != nil {
		return Role{}, err
	}
	upd.UpdatedBy = by.UserID
	upd.At = s.now().UTC()
	role, err := s.store.UpdateRole(ctx, cur.ID, upd)
	if err != nil {
		return Role{}, err
	}
	s.recorder.Audit(ctx, audit.EventRoleUpdated, map[string]any{"role_id": role.ID, "slug": role.Slug})
	return role, nil
}

// DeactivateRole soft-deletes the role and revokes its edges.
func (s *RBACService) DeactivateRole(ctx context.Context, tenantID, roleID string, by Caller) error {
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if err := s.checkRole(by, role.Slug, role.Level); err != nil {
		return err
	}
	if err := s.store.DeactivateRole(ctx, role.ID, by.UserID, s.now().UTC()); err != nil {
		return err
	}
	s.recorder.Audit(ctx, audit.EventRoleDeactivated, map[string]any{"role_id": role.ID, "slug": role.Slug})
	return nil
}

// DefaultRole returns the role auto-assigned at registration.
func (s *RBACService) DefaultRole(ctx context.Context, tenantID string) (Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Role{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.DefaultRole(ctx, tenantID)
}

// CreatePermission adds a custom catalog entry. The catalog is shared by all
// tenants, so only override callers may write it.
func (s *RBACService) CreatePermission(ctx context.Context, in PermissionInput, by Caller) (Permission, error) {
	if !by.Override {
		return Permission{}, ErrInsufficientRole
	}
	in.Module = strings.ToLower(strings.TrimSpace(in.Module))
	in.Resource = strings.ToLower(strings.TrimSpace(in.Resource))
	in.Action = strings.ToLower(strings.TrimSpace(in.Action))
	verr := &ValidationError{}
	for field, v := range map[string]string{"module": in.Module, "resource": in.Resource, "action": in.Action} {
		if !ValidSlugPart(v) {
			verr.Add(field, "must start with a letter and contain only lowercase letters, digits or _")
		}
	}
	if len(verr.Fields) > 0 {
		return Permission{}, verr
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Module + " " + in.Resource + " " + in.Action
	}
	now := s.now().UTC()
	perm, err := s.store.CreatePermission(ctx, Permission{
		Module:      in.Module,
		Resource:    in.Resource,
		Action:      in.Action,
		Slug:        PermissionSlug(in.Module, in.Resource, in.Action),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Type:        PermissionTypeCustom,
		Level:       in.Level,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Permission{}, err
	}
	s.recorder.Audit(ctx, audit.EventPermissionCreated, map[string]any{"permission_id": perm.ID, "slug": perm.Slug})
	return perm, nil
}

// ListPermissions lists the catalog, optionally for one module.
func (s *RBACService) ListPermissions(ctx context.Context, module string) ([]Permission, error) {
	return s.store.ListPermissions(ctx, strings.ToLower(strings.TrimSpace(module)))
}

// EnsureBuiltins inserts missing entries of BuiltinPermissions.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	now := s.now().UTC()
	perms := make([]Permission, len(BuiltinPermissions))
	for i, p := range BuiltinPermissions {
		p.CreatedAt, p.UpdatedAt = now, now
		perms[i] = p
	}
	return s.store.EnsurePermissions(ctx, perms)
}

// Grant activates the (role, permission) edge. Granting an active edge again
// refreshes its grant stamp and conditions; no second edge is created.
func (s *RBACService) Grant(ctx context.Context, tenantID, roleID, permissionID string, by Caller, conditions map[string]any) (RolePermission, error) {
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return RolePermission{}, err
	}
	if err := s.checkRole(by, role.Slug, role.Level); err != nil {
		return RolePermission{}, err
	}
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return RolePermission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return RolePermission{}, err
	}
	if err := s.checkPermission(by, perm); err != nil {
		return RolePermission{}, err
	}
	edge, err := s.store.GrantPermission(ctx, Grant{
		RoleID:       role.ID,
		PermissionID: permissionID,
		Actor:        by.UserID,
		Conditions:   conditions,
		At:           s.now().UTC(),
	})
	if err != nil {
		return RolePermission{}, err
	}
	s.recorder.Audit(ctx, audit.EventPermissionGranted, map[string]any{
		"role_id": role.ID, "permission_id": permissionID, "conditions": conditions,
	})
	return edge, nil
}

// Revoke deactivates an active edge. found is false when there was none.
func (s *RBACService) Revoke(ctx context.Context, tenantID, roleID, permissionID string, by Caller) (RolePermission, bool, error) {
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return RolePermission{}, false, err
	}
	if err := s.checkRole(by, role.Slug, role.Level); err != nil {
		return RolePermission{}, false, err
	}
	edge, found, err := s.store.RevokePermission(ctx, role.ID, strings.TrimSpace(permissionID), by.UserID, s.now().UTC())
	if err != nil || !found {
		return edge, found, err
	}
	s.recorder.Audit(ctx, audit.EventPermissionRevoked, map[string]any{"role_id": role.ID, "permission_id": permissionID})
	return edge, true, nil
}

// Sync makes desired the exact active permission set of the role.
func (s *RBACService) Sync(ctx context.Context, tenantID, roleID string, desired []string, by Caller) (SyncResult, error) {
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return SyncResult{}, err
	}
	if err := s.checkRole(by, role.Slug, role.Level); err != nil {
		return SyncResult{}, err
	}
	desired = dedupeStrings(desired)
	for _, id := range desired {
		perm, err := s.store.GetPermission(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return SyncResult{}, NewValidationError("permission_ids", "unknown permission "+id)
			}
			return SyncResult{}, err
		}
		if err := s.checkPermission(by, perm); err != nil {
			return SyncResult{}, err
		}
	}
	res, err := s.store.SyncPermissions(ctx, role.ID, desired, by.UserID, s.now().UTC())
	if err != nil {
		return SyncResult{}, err
	}
	s.recorder.Audit(ctx, audit.EventPermissionsSynced, map[string]any{
		"role_id": role.ID, "granted": res.Granted, "revoked": res.Revoked,
	})
	return res, nil
}

func (s *RBACService) RolePermissions(ctx context.Context, tenantID, roleID string) ([]RolePermission, error) {
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	return s.store.RolePermissions(ctx, role.ID)
}

// AssignRole activates the (user, role) edge.
func (s *RBACService) AssignRole(ctx context.Context, tenantID, userID, roleID string, by Caller) (UserRole, error) {
	user, err := s.userInTenant(ctx, tenantID, userID)
	if err != nil {
		return UserRole{}, err
	}
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return UserRole{}, err
	}
	if user.TenantID != role.TenantID {
		return UserRole{}, fmt.Errorf("%w: user and role belong to different tenants", ErrInvalidInput)
	}
	if err := s.checkRole(by, role.Slug, role.Level); err != nil {
		return UserRole{}, err
	}
	edge, err := s.store.AssignRole(ctx, Assignment{UserID: user.ID, RoleID: role.ID, Actor: by.UserID, At: s.now().UTC()})
	if err != nil {
		return UserRole{}, err
	}
	s.recorder.Audit(ctx, audit.EventRoleAssigned, map[string]any{"target_user_id": user.ID, "role_id": role.ID})
	return edge, nil
}

// RevokeRole deactivates an active assignment. found is false when there was none.
func (s *RBACService) RevokeRole(ctx context.Context, tenantID, userID, roleID string, by Caller) (UserRole, bool, error) {
	user, err := s.userInTenant(ctx, tenantID, userID)
	if err != nil {
		return UserRole{}, false, err
	}
	role, err := s.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return UserRole{}, false, err
	}
	if err := s.checkRole(by, role.Slug, role.Level); err != nil {
		return UserRole{}, false, err
	}
	edge, found, err := s.store.RevokeRole(ctx, user.ID, role.ID, by.UserID, s.now().UTC())
	if err != nil || !found {
		return edge, found, err
	}
	s.recorder.Audit(ctx, audit.EventRoleRevoked, map[string]any{"target_user_id": user.ID, "role_id": roleID})
	return edge, true, nil
}

func (s *RBACService) UserRoles(ctx context.Context, tenantID, userID string) ([]Role, error) {
	user, err := s.userInTenant(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return s.store.UserRoles(ctx, user.ID)
}

// EffectivePermissions returns the permission slugs the user holds now.
func (s *RBACService) EffectivePermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	user, err := s.userInTenant(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return s.store.EffectivePermissions(ctx, user.ID)
}

func (s *RBACService) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return s.store.ListUsers(ctx, tenantID)
}

// DeactivateUser soft-deletes the user and revokes its role assignments.
func (s *RBACService) DeactivateUser(ctx context.Context, tenantID, userID, actor string) error {
	user, err := s.userInTenant(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateUser(ctx, user.ID, actor, s.now().UTC()); err != nil {
		return err
	}
	s.recorder.Audit(ctx, audit.EventUserDeactivated, map[string]any{"target_user_id": user.ID})
	return nil
}

func (s *RBACService) userInTenant(ctx context.Context, tenantID, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if tenantID != "" && user.TenantID != tenantID {
		return User{}, ErrNotFound
	}
	return user, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
