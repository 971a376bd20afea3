package auth

import (
	"sort"
	"time"
)

// RoleRef is the part of a role a principal carries.
type RoleRef struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Principal is an authenticated user with resolved roles and permissions.
type Principal struct {
	UserID      string
	Email       string
	TenantID    string
	Roles       []RoleRef
	Permissions map[string]struct{}
	TokenID     string
	SessionID   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	MFAEnabled  bool
	TenantMFA   bool
}

// NewPrincipal builds a principal for u. Roles are ordered by level, highest first.
func NewPrincipal(u User, roles []Role, perms []string) Principal {
	p := Principal{
		UserID:      u.ID,
		Email:       u.Email,
		TenantID:    u.TenantID,
		Permissions: make(map[string]struct{}, len(perms)),
		MFAEnabled:  u.MFAEnabled,
	}
	for _, r := range roles {
		p.Roles = append(p.Roles, RoleRef{ID: r.ID, Slug: r.Slug, Name: r.Name, Level: r.Level})
	}
	sort.SliceStable(p.Roles, func(i, j int) bool { return p.Roles[i].Level > p.Roles[j].Level })
	for _, perm := range perms {
		p.Permissions[perm] = struct{}{}
	}
	return p
}

func (p Principal) HasPermission(slug string) bool {
	_, ok := p.Permissions[slug]
	return ok
}

// HasRole reports whether p holds any of slugs.
func (p Principal) HasRole(slugs ...string) bool {
	for _, r := range p.Roles {
		for _, s := range slugs {
			if r.Slug == s {
				return true
			}
		}
	}
	return false
}

// NeedsMFAEnrollment reports whether p must enable MFA first: it holds one
// of roles, or its tenant requires MFA, and has not enrolled.
func (p Principal) NeedsMFAEnrollment(roles []string) bool {
	if p.MFAEnabled {
		return false
	}
	return p.TenantMFA || p.HasRole(roles...)
}

// PrimaryRole is the slug of the highest-level role, or "user" when p has none.
func (p Principal) PrimaryRole() string {
	if len(p.Roles) == 0 {
		return "user"
	}
	return p.Roles[0].Slug
}

// Level is the level of the highest role, or 0 without roles.
func (p Principal) Level() int {
	if len(p.Roles) == 0 {
		return 0
	}
	return p.Roles[0].Level
}

// PermissionList returns the permission slugs sorted.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
