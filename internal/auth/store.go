package auth

import (
	"context"
	"time"

	"cooperp.org/internal/tenant"
)

// UserStore persists users. Reads exclude soft-deleted rows.
type UserStore interface {
	// CreateUser fails with ErrConflict when the email exists in any tenant.
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, tenantID string) ([]User, error)

	// GetUserByToken finds the active user holding an unexpired token digest.
	GetUserByToken(ctx context.Context, kind TokenKind, digest string, now time.Time) (User, error)
	// SetUserToken replaces any previous token of the same kind.
	SetUserToken(ctx context.Context, userID string, kind TokenKind, digest string, expiresAt time.Time) error
	// ConsumeUserToken matches, clears and applies the authorized state change
	// in a single conditional write. Only one of several concurrent callers
	// presenting the same digest succeeds; the others get ErrNotFound.
	ConsumeUserToken(ctx context.Context, c TokenConsumption) (User, error)

	// UpdatePassword stores a new hash, stamps password_changed_at and clears
	// any pending reset token.
	UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error

	// RecordLoginFailure applies LockoutPolicy.Next under a row lock.
	RecordLoginFailure(ctx context.Context, userID string, policy LockoutPolicy, now time.Time) (LockState, error)
	// RecordLoginSuccess clears the counter and lock and stamps last login.
	RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error

	// SetMFASecret stores an unconfirmed secret and clears the enabled flag.
	SetMFASecret(ctx context.Context, userID, secret string) error
	// EnableMFA flips the flag only while the stored secret equals secret.
	EnableMFA(ctx context.Context, userID, secret string) error
	DisableMFA(ctx context.Context, userID string) error

	// DeactivateUser soft-deletes the user and revokes its active role
	// assignments in one transaction.
	DeactivateUser(ctx context.Context, userID, actor string, at time.Time) error
}

// TokenConsumption describes a one-time token use and the change it authorizes.
type TokenConsumption struct {
	Kind   TokenKind
	Digest string
	Now    time.Time
	// PasswordHash is the new hash for TokenPasswordReset.
	PasswordHash string
}

// GraphStore persists roles, permissions and the edges between them.
type GraphStore interface {
	// CreateRole clears any other default role of the tenant when r.IsDefault.
	CreateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	// DeactivateRole soft-deletes the role and revokes its active grant and
	// assignment edges.
	DeactivateRole(ctx context.Context, id, actor string, at time.Time) error
	DefaultRole(ctx context.Context, tenantID string) (Role, error)

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	ListPermissions(ctx context.Context, module string) ([]Permission, error)
	// EnsurePermissions inserts missing catalog entries by slug.
	EnsurePermissions(ctx context.Context, perms []Permission) error

	GrantPermission(ctx context.Context, g Grant) (RolePermission, error)
	// RevokePermission returns found=false when no active edge exists.
	RevokePermission(ctx context.Context, roleID, permissionID, actor string, at time.Time) (RolePermission, bool, error)
	// SyncPermissions reconciles the active set of roleID to desired in one
	// transaction.
	SyncPermissions(ctx context.Context, roleID string, desired []string, actor string, at time.Time) (SyncResult, error)
	RolePermissions(ctx context.Context, roleID string) ([]RolePermission, error)

	// AssignRole fails with ErrInvalidInput when user and role are in
	// different tenants.
	AssignRole(ctx context.Context, a Assignment) (UserRole, error)
	RevokeRole(ctx context.Context, userID, roleID, actor string, at time.Time) (UserRole, bool, error)
	// UserRoles returns active, non-deleted roles reachable through active
	// assignments.
	UserRoles(ctx context.Context, userID string) ([]Role, error)
	// EffectivePermissions returns the slugs reachable through active
	// assignment -> active role -> active grant -> active permission.
	EffectivePermissions(ctx context.Context, userID string) ([]string, error)
}

// Store is everything the auth services need from persistence.
type Store interface {
	tenant.Store
	UserStore
	GraphStore
}

// RoleUpdate carries optional role changes.
type RoleUpdate struct {
	Name        *string
	Slug        *string
	Description *string
	Level       *int
	IsDefault   *bool
	UpdatedBy   string
	At          time.Time
}

// Grant activates a (role, permission) edge.
type Grant struct {
	RoleID       string
	PermissionID string
	Actor        string
	Conditions   map[string]any
	At           time.Time
}

// Assignment activates a (user, role) edge.
type Assignment struct {
	UserID string
	RoleID string
	Actor  string
	At     time.Time
}

// SyncResult lists the permission ids whose edges changed.
type SyncResult struct {
	Granted []string `json:"granted"`
	Revoked []string `json:"revoked"`
}

// Revoker tracks access tokens invalidated before expiry.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Notifier delivers out-of-band messages. Tokens handed to it are plaintext
// and must not be logged.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, u User, token string) error
	SendPasswordResetEmail(ctx context.Context, u User, token string) error
	SendPasswordChangedEmail(ctx context.Context, u User) error
}
