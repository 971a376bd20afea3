package auth

import (
	"errors"
	"sort"
	"strings"
)

// Base kinds. Every error returned by this package matches exactly one of
// them with errors.Is; the HTTP layer maps kinds to status codes.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAccountLocked   = errors.New("account is locked, please try again later")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("resource conflict")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("too many requests, please try again later")
)

// Refinements keep a caller-facing message while matching their parent kind.
var (
	ErrNoToken            = kind(ErrUnauthenticated, "No token provided")
	ErrTokenExpired       = kind(ErrUnauthenticated, "Token expired")
	ErrInvalidToken       = kind(ErrUnauthenticated, "Invalid token")
	ErrInvalidCredentials = kind(ErrUnauthenticated, "Invalid credentials")
	ErrMFARequired        = kind(ErrUnauthenticated, "MFA code required")
	ErrInvalidMFACode     = kind(ErrUnauthenticated, "Invalid MFA code")
	ErrAccountInactive    = kind(ErrUnauthenticated, "Account is deactivated")
	ErrPasswordChanged    = kind(ErrUnauthenticated, "Password recently changed, please log in again")

	ErrInvalidResetToken  = kind(ErrInvalidInput, "Invalid or expired reset token")
	ErrInvalidVerifyToken = kind(ErrInvalidInput, "Invalid or expired verification token")
	ErrWrongPassword      = kind(ErrInvalidInput, "Current password is incorrect")
	ErrQuotaExceeded      = kind(ErrInvalidInput, "User limit exceeded for this tenant")
	ErrInvalidTenant      = kind(ErrInvalidInput, "Invalid tenant")
	ErrMFANotSetUp        = kind(ErrInvalidInput, "MFA not set up")
	ErrMFAAlreadyEnabled  = kind(ErrInvalidInput, "MFA is already enabled")
	ErrAlreadyVerified    = kind(ErrInvalidInput, "Email is already verified")
	ErrMFACodeRejected    = kind(ErrInvalidInput, "Invalid MFA code")
	ErrPasswordMismatch   = kind(ErrInvalidInput, "Invalid password")

	ErrTenantMismatch    = kind(ErrForbidden, "Access denied: tenant mismatch")
	ErrInsufficientRole  = kind(ErrForbidden, "Access denied: insufficient role")
	ErrMissingPermission = kind(ErrForbidden, "Access denied: missing permission")
	ErrNotOwner          = kind(ErrForbidden, "Access denied: resource belongs to another user")
	ErrIPNotAllowed      = kind(ErrForbidden, "Access denied from this network")
	ErrReservedRole      = kind(ErrForbidden, "Access denied: reserved role")
	ErrRoleCeiling       = kind(ErrForbidden, "Access denied: role level must be below your own")
	ErrFeatureDisabled   = kind(ErrForbidden, "Feature not available for this tenant")
	ErrMFAEnrollment     = kind(ErrForbidden, "Enable MFA before continuing")

	ErrEmailTaken = kind(ErrConflict, "User already exists with this email")
)

type kindError struct {
	parent error
	msg    string
}

func kind(parent error, msg string) error { return &kindError{parent: parent, msg: msg} }

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

// ValidationError carries field-level messages. It matches ErrInvalidInput.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError builds a ValidationError with one message for field.
func NewValidationError(field string, messages ...string) *ValidationError {
	v := &ValidationError{Fields: map[string][]string{}}
	v.Fields[field] = append(v.Fields[field], messages...)
	return v
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

var baseKinds = []error{
	ErrInvalidInput, ErrUnauthenticated, ErrAccountLocked, ErrForbidden,
	ErrConflict, ErrNotFound, ErrRateLimited,
}

// Message is the caller-facing text of an expected error: the refinement
// message when there is one, otherwise the detail after the kind prefix.
func Message(err error) string {
	var k *kindError
	if errors.As(err, &k) {
		return k.msg
	}
	msg := err.Error()
	for _, base := range baseKinds {
		if !errors.Is(err, base) {
			continue
		}
		prefix := base.Error() + ": "
		if i := strings.Index(msg, prefix); i >= 0 {
			msg = msg[i+len(prefix):]
		} else {
			msg = base.Error()
		}
		break
	}
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
