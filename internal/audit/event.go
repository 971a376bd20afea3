// Package audit records business and security events with tenant, user and
// request correlation. Field values are redacted before reaching any sink.
package audit

import (
	"context"
	"strings"
	"time"
)

type Category string

const (
	CategoryAudit    Category = "audit"
	CategorySecurity Category = "security"
)

// Security event types shared by the tenant resolver, authentication and
// authorization paths.
const (
	EventInvalidTenantID       = "INVALID_TENANT_ID"
	EventTenantAccessDenied    = "TENANT_ACCESS_DENIED"
	EventCrossTenantAccess     = "CROSS_TENANT_ACCESS_ATTEMPT"
	EventInsufficientRole      = "INSUFFICIENT_ROLE"
	EventPermissionDenied      = "PERMISSION_DENIED"
	EventUnauthorizedResource  = "UNAUTHORIZED_RESOURCE_ACCESS"
	EventUnauthorizedAccess    = "UNAUTHORIZED_ACCESS"
	EventLoginFailed           = "LOGIN_FAILED"
	EventAccountLocked         = "ACCOUNT_LOCKED"
	EventLockedLoginAttempt    = "LOCKED_ACCOUNT_LOGIN_ATTEMPT"
	EventInvalidMFACode        = "INVALID_MFA_CODE"
	EventRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	EventIPNotAllowed          = "IP_NOT_ALLOWED"
	EventRevokedTokenPresented = "REVOKED_TOKEN_PRESENTED"
	EventFeatureAccessDenied   = "FEATURE_ACCESS_DENIED"
	EventMFAEnrollmentRequired = "MFA_ENROLLMENT_REQUIRED"
)

// Audit event types for state changes.
const (
	EventTenantOnboarded     = "TENANT_ONBOARDED"
	EventTenantUpdated       = "TENANT_UPDATED"
	EventTenantDeactivated   = "TENANT_DEACTIVATED"
	EventUserRegistered      = "USER_REGISTERED"
	EventDuplicateRegister   = "DUPLICATE_REGISTRATION"
	EventLoginSucceeded      = "LOGIN_SUCCEEDED"
	EventLogout              = "LOGOUT"
	EventTokenRefreshed      = "TOKEN_REFRESHED"
	EventPasswordResetIssued = "PASSWORD_RESET_REQUESTED"
	EventPasswordReset       = "PASSWORD_RESET"
	EventPasswordChanged     = "PASSWORD_CHANGED"
	EventEmailVerified       = "EMAIL_VERIFIED"
	EventVerificationResent  = "VERIFICATION_RESENT"
	EventMFASetup            = "MFA_SETUP"
	EventMFAEnabled          = "MFA_ENABLED"
	EventMFADisabled         = "MFA_DISABLED"
	EventUserDeactivated     = "USER_DEACTIVATED"
	EventRoleCreated         = "ROLE_CREATED"
	EventRoleUpdated         = "ROLE_UPDATED"
	EventRoleDeactivated     = "ROLE_DEACTIVATED"
	EventPermissionCreated   = "PERMISSION_CREATED"
	EventPermissionGranted   = "PERMISSION_GRANTED"
	EventPermissionRevoked   = "PERMISSION_REVOKED"
	EventPermissionsSynced   = "PERMISSIONS_SYNCED"
	EventRoleAssigned        = "ROLE_ASSIGNED"
	EventRoleRevoked         = "ROLE_REVOKED"
)

// Event is one recorded occurrence.
type Event struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Fields     map[string]any `json:"fields"`
}

// Meta is request-scoped correlation data.
type Meta struct {
	RequestID string
	IP        string
	UserAgent string
}

type metaKey struct{}
type actorKey struct{}

type actor struct {
	userID   string
	tenantID string
}

// WithRequest attaches request correlation to ctx.
func WithRequest(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// RequestFrom returns the correlation attached by WithRequest.
func RequestFrom(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}

// WithTenant records the resolved tenant for later events. An existing user
// id on ctx is kept.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	a := actorFrom(ctx)
	a.tenantID = strings.TrimSpace(tenantID)
	return context.WithValue(ctx, actorKey{}, a)
}

// WithUser records the authenticated user for later events.
func WithUser(ctx context.Context, userID string) context.Context {
	a := actorFrom(ctx)
	a.userID = strings.TrimSpace(userID)
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) actor {
	if ctx == nil {
		return actor{}
	}
	a, _ := ctx.Value(actorKey{}).(actor)
	return a
}
