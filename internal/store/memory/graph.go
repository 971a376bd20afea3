package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"cooperp.org/internal/auth"
	"cooperp.org/internal/ids"
)

func (s *Store) CreateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[r.TenantID]; !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if s.slugTaken(r.TenantID, r.Slug, "") {
		return auth.Role{}, auth.ErrConflict
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.IsDefault {
		s.clearDefault(r.TenantID, r.ID, r.CreatedAt)
	}
	s.roles[r.ID] = r
	return r, nil
}

func (s *Store) GetRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveRole(id)
}

func (s *Store) ListRoles(_ context.Context, tenantID string) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Role
	for _, r := range s.roles {
		if r.TenantID == tenantID && r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	sortRoles(out)
	return out, nil
}

func (s *Store) UpdateRole(_ context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.liveRole(id)
	if err != nil {
		return auth.Role{}, err
	}
	if upd.Slug != nil && *upd.Slug != r.Slug && s.slugTaken(r.TenantID, *upd.Slug, r.ID) {
		return auth.Role{}, auth.ErrConflict
	}
	now := upd.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Slug != nil {
		r.Slug = *upd.Slug
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.Level != nil {
		r.Level = *upd.Level
	}
	if upd.IsDefault != nil {
		r.IsDefault = *upd.IsDefault
		if r.IsDefault {
			s.clearDefault(r.TenantID, r.ID, now)
		}
	}
	r.UpdatedBy = auth.ActorRef(upd.UpdatedBy)
	r.UpdatedAt = now
	s.roles[r.ID] = r
	return r, nil
}

func (s *Store) DeactivateRole(_ context.Context, id, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.liveRole(id)
	if err != nil {
		return err
	}
	r.IsActive, r.IsDefault = false, false
	r.DeletedAt = &at
	r.UpdatedBy = auth.ActorRef(actor)
	r.UpdatedAt = at
	s.roles[id] = r
	for key, rp := range s.grants {
		if rp.RoleID == id && rp.IsActive {
			s.grants[key] = revokedGrant(rp, actor, at)
		}
	}
	for key, ur := range s.assignments {
		if ur.RoleID == id && ur.IsActive {
			s.assignments[key] = revokedAssignment(ur, actor, at)
		}
	}
	return nil
}

func (s *Store) DefaultRole(_ context.Context, tenantID string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.TenantID == tenantID && r.IsDefault && r.IsActive && r.DeletedAt == nil {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *Store) CreatePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Slug == p.Slug {
			return auth.Permission{}, auth.ErrConflict
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.permissions[p.ID] = p
	return p, nil
}

func (s *Store) GetPermission(_ context.Context, id string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPermissions(_ context.Context, module string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Permission
	for _, p := range s.permissions {
		if module == "" || p.Module == module {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) EnsurePermissions(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := make(map[string]struct{}, len(s.permissions))
	for _, p := range s.permissions {
		have[p.Slug] = struct{}{}
	}
	for _, p := range perms {
		if _, ok := have[p.Slug]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		s.permissions[p.ID] = p
		have[p.Slug] = struct{}{}
	}
	return nil
}

func (s *Store) GrantPermission(_ context.Context, g auth.Grant) (auth.RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveRole(g.RoleID); err != nil {
		return auth.RolePermission{}, err
	}
	if _, ok := s.permissions[g.PermissionID]; !ok {
		return auth.RolePermission{}, auth.ErrNotFound
	}
	return s.grant(g.RoleID, g.PermissionID, g.Actor, g.Conditions, g.At), nil
}

func (s *Store) RevokePermission(_ context.Context, roleID, permissionID, actor string, at time.Time) (auth.RolePermission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{roleID, permissionID}
	rp, ok := s.grants[key]
	if !ok || !rp.IsActive {
		return auth.RolePermission{}, false, nil
	}
	rp = revokedGrant(rp, actor, at)
	s.grants[key] = rp
	return rp, true, nil
}

func (s *Store) SyncPermissions(_ context.Context, roleID string, desired []string, actor string, at time.Time) (auth.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveRole(roleID); err != nil {
		return auth.SyncResult{}, err
	}
	for _, id := range desired {
		if _, ok := s.permissions[id]; !ok {
			return auth.SyncResult{}, auth.ErrNotFound
		}
	}
	var active []string
	for _, rp := range s.grants {
		if rp.RoleID == roleID && rp.IsActive {
			active = append(active, rp.PermissionID)
		}
	}
	sort.Strings(active)
	grant, revoke := auth.DiffPermissionSets(active, desired)
	for _, id := range revoke {
		key := [2]string{roleID, id}
		s.grants[key] = revokedGrant(s.grants[key], actor, at)
	}
	for _, id := range grant {
		s.grant(roleID, id, actor, nil, at)
	}
	return auth.SyncResult{Granted: nonNil(grant), Revoked: nonNil(revoke)}, nil
}

func (s *Store) RolePermissions(_ context.Context, roleID string) ([]auth.RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.RolePermission
	for _, rp := range s.grants {
		if rp.RoleID == roleID && rp.IsActive {
			out = append(out, rp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}

func (s *Store) AssignRole(_ context.Context, a auth.Assignment) (auth.UserRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(a.UserID)
	if err != nil {
		return auth.UserRole{}, err
	}
	r, err := s.liveRole(a.RoleID)
	if err != nil {
		return auth.UserRole{}, err
	}
	if u.TenantID != r.TenantID {
		return auth.UserRole{}, auth.ErrInvalidInput
	}
	key := [2]string{a.UserID, a.RoleID}
	ur, ok := s.assignments[key]
	if !ok {
		ur = auth.UserRole{ID: ids.New(), UserID: a.UserID, RoleID: a.RoleID, TenantID: u.TenantID, CreatedAt: a.At}
	}
	ur.IsActive = true
	ur.AssignedAt = a.At
	ur.AssignedBy = auth.ActorRef(a.Actor)
	ur.RevokedAt, ur.RevokedBy = nil, nil
	ur.UpdatedAt = a.At
	s.assignments[key] = ur
	return ur, nil
}

func (s *Store) RevokeRole(_ context.Context, userID, roleID, actor string, at time.Time) (auth.UserRole, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{userID, roleID}
	ur, ok := s.assignments[key]
	if !ok || !ur.IsActive {
		return auth.UserRole{}, false, nil
	}
	ur = revokedAssignment(ur, actor, at)
	s.assignments[key] = ur
	return ur, true, nil
}

func (s *Store) UserRoles(_ context.Context, userID string) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.activeRoles(userID)
	sortRoles(out)
	return out, nil
}

func (s *Store) EffectivePermissions(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[string]struct{}{}
	for _, r := range s.activeRoles(userID) {
		for _, rp := range s.grants {
			if rp.RoleID != r.ID || !rp.IsActive {
				continue
			}
			if p, ok := s.permissions[rp.PermissionID]; ok && p.IsActive {
				set[p.Slug] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for slug := range set {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) activeRoles(userID string) []auth.Role {
	var out []auth.Role
	for _, ur := range s.assignments {
		if ur.UserID != userID || !ur.IsActive {
			continue
		}
		if r, ok := s.roles[ur.RoleID]; ok && r.IsActive && r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) grant(roleID, permissionID, actor string, conditions map[string]any, at time.Time) auth.RolePermission {
	key := [2]string{roleID, permissionID}
	rp, ok := s.grants[key]
	if !ok {
		rp = auth.RolePermission{ID: ids.New(), RoleID: roleID, PermissionID: permissionID, CreatedAt: at}
	}
	rp.IsActive = true
	rp.Conditions = maps.Clone(conditions)
	rp.GrantedAt = at
	rp.GrantedBy = auth.ActorRef(actor)
	rp.RevokedAt, rp.RevokedBy = nil, nil
	rp.UpdatedAt = at
	s.grants[key] = rp
	return rp
}

func (s *Store) liveRole(id string) (auth.Role, error) {
	r, ok := s.roles[id]
	if !ok || r.DeletedAt != nil {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, nil
}

func (s *Store) slugTaken(tenantID, slug, exceptID string) bool {
	for _, r := range s.roles {
		if r.TenantID == tenantID && r.Slug == slug && r.DeletedAt == nil && r.ID != exceptID {
			return true
		}
	}
	return false
}

func (s *Store) clearDefault(tenantID, keepID string, at time.Time) {
	for id, r := range s.roles {
		if r.TenantID == tenantID && r.IsDefault && id != keepID {
			r.IsDefault = false
			r.UpdatedAt = at
			s.roles[id] = r
		}
	}
}

func revokedGrant(rp auth.RolePermission, actor string, at time.Time) auth.RolePermission {
	rp.IsActive = false
	rp.RevokedAt = &at
	rp.RevokedBy = auth.ActorRef(actor)
	rp.UpdatedAt = at
	return rp
}

func revokedAssignment(ur auth.UserRole, actor string, at time.Time) auth.UserRole {
	ur.IsActive = false
	ur.RevokedAt = &at
	ur.RevokedBy = auth.ActorRef(actor)
	ur.UpdatedAt = at
	return ur
}

func sortRoles(roles []auth.Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Level != roles[j].Level {
			return roles[i].Level > roles[j].Level
		}
		return roles[i].Slug < roles[j].Slug
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
