// Package tenant models cooperative-society tenants and resolves the active
// tenant for each request.
package tenant

import (
	"context"
	"errors"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var (
	ErrInvalidIdentifier = errors.New("invalid tenant identifier")
	ErrNotFound          = errors.New("tenant not found")
	ErrInactive          = errors.New("tenant is not active")
	ErrConflict          = errors.New("tenant slug already exists")
)

type Type string

const (
	TypeAgricultural Type = "agricultural"
	TypeHousing      Type = "housing"
	TypeCredit       Type = "credit"
	TypeConsumer     Type = "consumer"
	TypeMarketing    Type = "marketing"
	TypeMultipurpose Type = "multipurpose"
	TypeOther        Type = "other"
)

// ValidType reports whether t is one of the known cooperative types.
func ValidType(t Type) bool {
	switch t {
	case TypeAgricultural, TypeHousing, TypeCredit, TypeConsumer, TypeMarketing, TypeMultipurpose, TypeOther:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "trial"
	StatusActive    SubscriptionStatus = "active"
	StatusSuspended SubscriptionStatus = "suspended"
	StatusCancelled SubscriptionStatus = "cancelled"
)

type Quotas struct {
	MaxUsers        int   `json:"max_users"`
	MaxProjects     int   `json:"max_projects"`
	MaxStorageBytes int64 `json:"max_storage_bytes"`
}

type PasswordPolicy struct {
	MinLength        int  `json:"min_length"`
	RequireUppercase bool `json:"require_uppercase"`
	RequireLowercase bool `json:"require_lowercase"`
	RequireNumbers   bool `json:"require_numbers"`
	RequireSymbols   bool `json:"require_symbols"`
}

// LockoutOverride replaces the service-wide lockout policy for one tenant.
// Zero values fall back to the global setting.
type LockoutOverride struct {
	Threshold     int `json:"threshold,omitempty"`
	WindowMinutes int `json:"window_minutes,omitempty"`
}

type SecuritySettings struct {
	PasswordPolicy        PasswordPolicy   `json:"password_policy"`
	SessionTimeoutMinutes int              `json:"session_timeout_minutes"`
	MFARequired           bool             `json:"mfa_required"`
	IPAllowlist           []string         `json:"ip_allowlist"`
	Lockout               *LockoutOverride `json:"lockout,omitempty"`
}

type Settings struct {
	Timezone   string           `json:"timezone"`
	DateFormat string           `json:"date_format"`
	Currency   string           `json:"currency"`
	Language   string           `json:"language"`
	Security   SecuritySettings `json:"security"`
}

type Tenant struct {
	ID                 string             `json:"id"`
	Slug               string             `json:"slug"`
	Name               string             `json:"name"`
	Type               Type               `json:"type"`
	ContactEmail       string             `json:"contact_email,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	SubscriptionPlan   string             `json:"subscription_plan"`
	SubscriptionEndsAt *time.Time         `json:"subscription_ends_at,omitempty"`
	Quotas             Quotas             `json:"quotas"`
	Features           map[string]bool    `json:"features"`
	Settings           Settings           `json:"settings"`
	IsActive           bool               `json:"is_active"`
	CreatedBy          *string            `json:"created_by,omitempty"`
	UpdatedBy          *string            `json:"updated_by,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	DeletedAt          *time.Time         `json:"-"`
}

// DefaultQuotas apply to tenants created without explicit limits.
func DefaultQuotas() Quotas {
	return Quotas{MaxUsers: 10, MaxProjects: 5, MaxStorageBytes: 1 << 30}
}

// DefaultSettings apply to tenants created without explicit settings.
func DefaultSettings() Settings {
	return Settings{
		Timezone:   "Asia/Kolkata",
		DateFormat: "DD/MM/YYYY",
		Currency:   "INR",
		Language:   "en",
		Security: SecuritySettings{
			PasswordPolicy: PasswordPolicy{
				MinLength:        8,
				RequireUppercase: true,
				RequireLowercase: true,
				RequireNumbers:   true,
				RequireSymbols:   false,
			},
			SessionTimeoutMinutes: 30,
			IPAllowlist:           []string{},
		},
	}
}

// DefaultFeatures lists the business modules enabled for new tenants.
func DefaultFeatures() map[string]bool {
	return map[string]bool{
		"user_management": true,
		"projects":        true,
		"payroll":         true,
		"accounting":      true,
		"assets":          true,
		"dividends":       false,
	}
}

// FeatureEnabled reports whether a feature flag is switched on.
func (t Tenant) FeatureEnabled(name string) bool {
	return t.Features[name]
}

// SubscriptionActive reports whether the subscription currently permits use.
// Trials expire at SubscriptionEndsAt; active subscriptions without an end
// date never expire.
func (t Tenant) SubscriptionActive(now time.Time) bool {
	switch t.SubscriptionStatus {
	case StatusTrial, StatusActive:
	default:
		return false
	}
	if t.SubscriptionEndsAt != nil && !now.Before(*t.SubscriptionEndsAt) {
		return false
	}
	return true
}

// Usable reports whether requests may be served for this tenant.
func (t Tenant) Usable(now time.Time) bool {
	return t.IsActive && t.DeletedAt == nil && t.SubscriptionActive(now)
}

// Check returns the rules password violates, empty when it satisfies the policy.
func (p PasswordPolicy) Check(password string) []string {
	var problems []string
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = 8
	}
	if len([]rune(password)) < minLen {
		problems = append(problems, "password must be at least "+strconv.Itoa(minLen)+" characters")
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if p.RequireUppercase && !upper {
		problems = append(problems, "password must contain an uppercase letter")
	}
	if p.RequireLowercase && !lower {
		problems = append(problems, "password must contain a lowercase letter")
	}
	if p.RequireNumbers && !digit {
		problems = append(problems, "password must contain a number")
	}
	if p.RequireSymbols && !symbol {
		problems = append(problems, "password must contain a symbol")
	}
	return problems
}

// IPAllowed reports whether ip may reach the tenant. An empty allowlist
// admits every address. Entries are single addresses or CIDR prefixes.
func (s SecuritySettings) IPAllowed(ip string) bool {
	if len(s.IPAllowlist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range s.IPAllowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// ValidAllowlistEntry reports whether entry is an address or CIDR prefix.
func ValidAllowlistEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a tenant slug: lowercase, runs of other characters
// collapsed into "-", no leading or trailing separator.
func Slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// Store persists tenants. Reads exclude soft-deleted rows unless stated.
type Store interface {
	CreateTenant(ctx context.Context, t Tenant) (Tenant, error)
	// GetTenant looks a tenant up by id. Soft-deleted tenants are returned so
	// callers can distinguish "gone" from "never existed".
	GetTenant(ctx context.Context, id string) (Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (Tenant, error)
	UpdateTenant(ctx context.Context, id string, upd Update) (Tenant, error)
	// DeactivateTenant soft-deletes the tenant and marks its users and roles
	// inactive in one transaction.
	DeactivateTenant(ctx context.Context, id, actor string, at time.Time) error
	CountActiveUsers(ctx context.Context, tenantID string) (int, error)
}

// Update carries optional tenant changes.
type Update struct {
	Name               *string
	Settings           *Settings
	Features           map[string]bool
	Quotas             *Quotas
	SubscriptionStatus *SubscriptionStatus
	UpdatedBy          string
}
