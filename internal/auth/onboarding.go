package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/obs"
	"cooperp.org/internal/tenant"
)

// Seeded roles of every new tenant.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
)

type OnboardInput struct {
	Name         string
	Slug         string
	Type         tenant.Type
	ContactEmail string
	Plan         string
	Admin        RegisterInput
}

type Onboarding struct {
	Tenant  tenant.Tenant `json:"tenant"`
	Roles   []Role        `json:"roles"`
	Session Session       `json:"session"`
}

// OnboardTenant creates a tenant in trial, seeds its admin, manager and
// default member roles with their permissions, and registers the first
// admin user.
func (s *Service) OnboardTenant(ctx context.Context, in OnboardInput) (Onboarding, error) {
	in.Name = strings.TrimSpace(in.Name)
	verr := &ValidationError{}
	if in.Name == "" {
		verr.Add("name", "tenant name is required")
	}
	slug := tenant.Slugify(in.Slug)
	if slug == "" {
		slug = tenant.Slugify(in.Name)
	}
	if in.Name != "" && !tenant.ValidIdentifier(slug) {
		verr.Add("slug", "slug must contain only letters, digits, - or _ and be at most 64 characters")
	}
	if in.Type == "" {
		in.Type = tenant.TypeOther
	}
	if !tenant.ValidType(in.Type) {
		verr.Add("type", "unsupported cooperative type")
	}
	if len(verr.Fields) > 0 {
		return Onboarding{}, verr
	}
	if in.Plan == "" {
		in.Plan = "basic"
	}
	now := s.now().UTC()
	draft := tenant.Tenant{
		Slug:               slug,
		Name:               in.Name,
		Type:               in.Type,
		ContactEmail:       normalizeEmail(in.ContactEmail),
		SubscriptionStatus: tenant.StatusTrial,
		SubscriptionPlan:   in.Plan,
		Quotas:             tenant.DefaultQuotas(),
		Features:           tenant.DefaultFeatures(),
		Settings:           tenant.DefaultSettings(),
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	// The admin must be acceptable before the slug is taken.
	if err := in.Admin.normalize(); err != nil {
		return Onboarding{}, err
	}
	if err := checkPassword(draft, in.Admin.Password); err != nil {
		return Onboarding{}, err
	}
	switch _, err := s.store.GetUserByEmail(ctx, in.Admin.Email); {
	case err == nil:
		return Onboarding{}, ErrEmailTaken
	case !errors.Is(err, ErrNotFound):
		return Onboarding{}, err
	}
	t, err := s.store.CreateTenant(ctx, draft)
	if err != nil {
		return Onboarding{}, err
	}
	out, err := s.populateTenant(ctx, t, in.Admin, now)
	if err != nil {
		if derr := s.store.DeactivateTenant(ctx, t.ID, "", s.now().UTC()); derr != nil {
			obs.Logger().WithError(derr).WithField("tenant_id", t.ID).Error("roll back failed onboarding")
		}
		if s.tenants != nil {
			s.tenants.Invalidate(t)
		}
		return Onboarding{}, err
	}
	s.recorder.Audit(ctx, audit.EventTenantOnboarded, map[string]any{
		"tenant_id": t.ID, "slug": t.Slug, "user_id": out.Session.User.ID,
	})
	return out, nil
}

// populateTenant seeds roles and the first admin of a freshly created tenant.
func (s *Service) populateTenant(ctx context.Context, t tenant.Tenant, admin RegisterInput, now time.Time) (Onboarding, error) {
	roles, err := s.seedRoles(ctx, t.ID)
	if err != nil {
		return Onboarding{}, fmt.Errorf("seed roles: %w", err)
	}
	admin.TenantID = t.ID
	sess, err := s.Register(ctx, admin)
	if err != nil {
		return Onboarding{}, err
	}
	if _, err := s.store.AssignRole(ctx, Assignment{UserID: sess.User.ID, RoleID: roles[0].ID, At: now}); err != nil {
		return Onboarding{}, fmt.Errorf("assign admin role: %w", err)
	}
	// Re-issue so the tokens carry the admin role.
	sess, err = s.session(ctx, sess.User, t, s.accessTTL)
	if err != nil {
		return Onboarding{}, err
	}
	return Onboarding{Tenant: t, Roles: roles, Session: sess}, nil
}

type seedRole struct {
	name, slug string
	level      int
	isDefault  bool
	perms      func() []string
}

var seededRoles = []seedRole{
	{name: "Administrator", slug: RoleAdmin, level: 90, perms: adminPermissions},
	{name: "Manager", slug: RoleManager, level: 50, perms: managerPermissions},
	{name: "Member", slug: RoleMember, level: 10, isDefault: true, perms: memberPermissions},
}

// seedRoles returns the created roles in seededRoles order.
func (s *Service) seedRoles(ctx context.Context, tenantID string) ([]Role, error) {
	catalog, err := s.store.ListPermissions(ctx, "")
	if err != nil {
		return nil, err
	}
	bySlug := make(map[string]string, len(catalog))
	for _, p := range catalog {
		bySlug[p.Slug] = p.ID
	}
	now := s.now().UTC()
	roles := make([]Role, 0, len(seededRoles))
	for _, sr := range seededRoles {
		role, err := s.store.CreateRole(ctx, Role{
			TenantID:  tenantID,
			Name:      sr.name,
			Slug:      sr.slug,
			Level:     sr.level,
			Type:      RoleTypeSystem,
			IsDefault: sr.isDefault,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, slug := range sr.perms() {
			if id, ok := bySlug[slug]; ok {
				ids = append(ids, id)
			}
		}
		if _, err := s.store.SyncPermissions(ctx, role.ID, ids, "", now); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// adminPermissions is the builtin catalog minus catalog writes, which stay
// with override roles.
func adminPermissions() []string {
	out := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		if p.Slug == PermPermissionsCreate {
			continue
		}
		out = append(out, p.Slug)
	}
	return out
}

// CurrentTenant returns the tenant by id or slug.
func (s *Service) CurrentTenant(ctx context.Context, key string) (tenant.Tenant, error) {
	return s.lookupTenant(ctx, key)
}

// UpdateTenant changes settings, features, quotas or subscription state.
func (s *Service) UpdateTenant(ctx context.Context, tenantID string, upd tenant.Update) (tenant.Tenant, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return tenant.Tenant{}, NewValidationError("name", "tenant name is required")
		}
		upd.Name = &name
	}
	if upd.Settings != nil {
		pp := upd.Settings.Security.PasswordPolicy
		if pp.MinLength < 6 || pp.MinLength > 128 {
			return tenant.Tenant{}, NewValidationError("settings.security.password_policy.min_length", "must be between 6 and 128")
		}
		if o := upd.Settings.Security.Lockout; o != nil && (o.Threshold < 0 || o.WindowMinutes < 0) {
			return tenant.Tenant{}, NewValidationError("settings.security.lockout", "threshold and window must not be negative")
		}
		for _, entry := range upd.Settings.Security.IPAllowlist {
			if !tenant.ValidAllowlistEntry(entry) {
				return tenant.Tenant{}, NewValidationError("settings.security.ip_allowlist", "invalid address or CIDR "+entry)
			}
		}
	}
	if upd.SubscriptionStatus != nil {
		switch *upd.SubscriptionStatus {
		case tenant.StatusTrial, tenant.StatusActive, tenant.StatusSuspended, tenant.StatusCancelled:
		default:
			return tenant.Tenant{}, NewValidationError("subscription_status", "unsupported status")
		}
	}
	t, err := s.store.UpdateTenant(ctx, tenantID, upd)
	if err != nil {
		return tenant.Tenant{}, err
	}
	if s.tenants != nil {
		s.tenants.Invalidate(t)
	}
	s.recorder.Audit(ctx, audit.EventTenantUpdated, map[string]any{"tenant_id": t.ID, "slug": t.Slug})
	return t, nil
}

// DeactivateTenant soft-deletes the tenant with its users and roles.
func (s *Service) DeactivateTenant(ctx context.Context, tenantID, actor string) error {
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.DeletedAt != nil {
		return tenant.ErrNotFound
	}
	if err := s.store.DeactivateTenant(ctx, t.ID, actor, s.now().UTC()); err != nil {
		return err
	}
	if s.tenants != nil {
		s.tenants.Invalidate(t)
	}
	s.recorder.Audit(ctx, audit.EventTenantDeactivated, map[string]any{"tenant_id": t.ID, "slug": t.Slug})
	return nil
}
