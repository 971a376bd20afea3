package auth

import (
	"context"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/obs"
)

// Requirement is what an operation demands of the caller. Zero fields are
// not checked.
type Requirement struct {
	// TenantID owns the resource.
	TenantID string
	// AnyRole lists role slugs of which the principal needs one.
	AnyRole []string
	// Permission is a module.resource.action slug.
	Permission string
	// OwnerID is the user owning the resource; checked when OwnershipScoped.
	OwnerID         string
	OwnershipScoped bool
}

// Denial reasons, also used as metric labels.
const (
	ReasonTenant     = "tenant"
	ReasonRole       = "role"
	ReasonPermission = "permission"
	ReasonOwnership  = "ownership"
)

type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

// Authorizer evaluates requirements against principals and records denials.
type Authorizer struct {
	overrideRoles  []string
	elevatedRoles  []string
	platformTenant string
	recorder       *audit.Recorder
}

type AuthorizerOption func(*Authorizer)

// WithPlatformTenant binds override roles to one tenant. Override slugs held
// in any other tenant grant nothing beyond an ordinary role.
func WithPlatformTenant(tenantID string) AuthorizerOption {
	return func(a *Authorizer) { a.platformTenant = tenantID }
}

// NewAuthorizer returns an Authorizer. Principals holding an override role
// may act across tenants; elevated roles skip ownership checks.
func NewAuthorizer(overrideRoles, elevatedRoles []string, rec *audit.Recorder, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{overrideRoles: overrideRoles, elevatedRoles: elevatedRoles, recorder: rec}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Decide checks tenant, role, permission and ownership in that order and
// stops at the first failure.
func (a *Authorizer) Decide(p Principal, req Requirement) Decision {
	if req.TenantID != "" && req.TenantID != p.TenantID && !a.IsOverride(p) {
		return Decision{Reason: ReasonTenant, Err: ErrTenantMismatch}
	}
	if len(req.AnyRole) > 0 && !p.HasRole(req.AnyRole...) {
		return Decision{Reason: ReasonRole, Err: ErrInsufficientRole}
	}
	if req.Permission != "" && !p.HasPermission(req.Permission) {
		return Decision{Reason: ReasonPermission, Err: ErrMissingPermission}
	}
	if req.OwnershipScoped && req.OwnerID != p.UserID && !p.HasRole(a.elevatedRoles...) {
		return Decision{Reason: ReasonOwnership, Err: ErrNotOwner}
	}
	return Decision{Allowed: true}
}

// IsOverride reports whether p may act outside its own tenant.
func (a *Authorizer) IsOverride(p Principal) bool {
	if a.platformTenant != "" && p.TenantID != a.platformTenant {
		return false
	}
	return p.HasRole(a.overrideRoles...)
}

// Reserved lists the role slugs only override holders may create or hand out.
func (a *Authorizer) Reserved() []string {
	out := make([]string, 0, len(a.overrideRoles)+len(a.elevatedRoles))
	out = append(out, a.overrideRoles...)
	return append(out, a.elevatedRoles...)
}

// Caller describes p for graph changes.
func (a *Authorizer) Caller(p Principal) Caller {
	return Caller{UserID: p.UserID, Level: p.Level(), Override: a.IsOverride(p)}
}

// Authorize returns nil or a forbidden error. Denials emit a security event;
// success is silent.
func (a *Authorizer) Authorize(ctx context.Context, p Principal, req Requirement) error {
	d := a.Decide(p, req)
	if d.Allowed {
		return nil
	}
	obs.RecordDenial(d.Reason)
	fields := map[string]any{
		"user_id":          p.UserID,
		"principal_tenant": p.TenantID,
		"roles":            roleSlugs(p.Roles),
	}
	var event string
	switch d.Reason {
	case ReasonTenant:
		event = audit.EventCrossTenantAccess
		fields["resource_tenant"] = req.TenantID
	case ReasonRole:
		event = audit.EventInsufficientRole
		fields["required_roles"] = req.AnyRole
	case ReasonPermission:
		event = audit.EventPermissionDenied
		fields["required_permission"] = req.Permission
	default:
		event = audit.EventUnauthorizedResource
		fields["owner_id"] = req.OwnerID
	}
	a.recorder.Security(ctx, event, fields)
	return d.Err
}

func roleSlugs(roles []RoleRef) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Slug)
	}
	return out
}
