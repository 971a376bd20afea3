package auth

import (
	"strings"
	"time"
)

type RoleType string

const (
	RoleTypeSystem RoleType = "system"
	RoleTypeCustom RoleType = "custom"
)

type PermissionType string

const (
	PermissionTypeSystem PermissionType = "system"
	PermissionTypeCustom PermissionType = "custom"
)

// User belongs to exactly one tenant. Credential and token material is never
// serialized.
type User struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	Email                string     `json:"email"`
	FirstName            string     `json:"first_name"`
	LastName             string     `json:"last_name"`
	Phone                string     `json:"phone,omitempty"`
	Designation          string     `json:"designation,omitempty"`
	Department           string     `json:"department,omitempty"`
	PasswordHash         string     `json:"-"`
	PasswordChangedAt    *time.Time `json:"-"`
	EmailVerified        bool       `json:"is_email_verified"`
	PhoneVerified        bool       `json:"is_phone_verified"`
	EmailVerifyDigest    string     `json:"-"`
	EmailVerifyExpires   *time.Time `json:"-"`
	PasswordResetDigest  string     `json:"-"`
	PasswordResetExpires *time.Time `json:"-"`
	LoginAttempts        int        `json:"-"`
	LockedUntil          *time.Time `json:"-"`
	MFASecret            string     `json:"-"`
	MFAEnabled           bool       `json:"mfa_enabled"`
	IsActive             bool       `json:"is_active"`
	LastLoginAt          *time.Time `json:"last_login_at,omitempty"`
	CreatedBy            *string    `json:"created_by,omitempty"`
	UpdatedBy            *string    `json:"updated_by,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	DeletedAt            *time.Time `json:"-"`
}

// Lock returns the lockout counters of u.
func (u User) Lock() LockState {
	return LockState{Attempts: u.LoginAttempts, LockedUntil: u.LockedUntil}
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Role is tenant scoped; (TenantID, Slug) is unique.
type Role struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description,omitempty"`
	Level       int        `json:"level"`
	Type        RoleType   `json:"type"`
	IsDefault   bool       `json:"is_default"`
	IsActive    bool       `json:"is_active"`
	CreatedBy   *string    `json:"created_by,omitempty"`
	UpdatedBy   *string    `json:"updated_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"-"`
}

// IsHigherThan compares authority by level only.
func (r Role) IsHigherThan(other Role) bool { return r.Level > other.Level }

// IsLowerThan compares authority by level only.
func (r Role) IsLowerThan(other Role) bool { return r.Level < other.Level }

// Permission is global; Slug is module.resource.action and unique.
type Permission struct {
	ID          string         `json:"id"`
	Module      string         `json:"module"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	Slug        string         `json:"slug"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        PermissionType `json:"type"`
	Level       int            `json:"level"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RolePermission is the grant edge between a role and a permission. One row
// exists per pair; revocation and re-grant toggle it.
type RolePermission struct {
	ID           string         `json:"id"`
	RoleID       string         `json:"role_id"`
	PermissionID string         `json:"permission_id"`
	IsActive     bool           `json:"is_active"`
	Conditions   map[string]any `json:"conditions,omitempty"`
	GrantedAt    time.Time      `json:"granted_at"`
	GrantedBy    *string        `json:"granted_by,omitempty"`
	RevokedAt    *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy    *string        `json:"revoked_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// UserRole is the assignment edge between a user and a role, with the same
// toggle lifecycle as RolePermission.
type UserRole struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	TenantID   string     `json:"tenant_id"`
	IsActive   bool       `json:"is_active"`
	AssignedAt time.Time  `json:"assigned_at"`
	AssignedBy *string    `json:"assigned_by,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  *string    `json:"revoked_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TokenKind distinguishes one-time user tokens.
type TokenKind string

const (
	TokenPasswordReset     TokenKind = "password_reset"
	TokenEmailVerification TokenKind = "email_verification"
)

// ActorRef turns an actor id into the nullable form stored on edges.
func ActorRef(id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &id
}
