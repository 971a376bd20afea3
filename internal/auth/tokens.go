package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer   = "cooperp"
	AudienceAccess  = "cooperp-users"
	AudienceRefresh = "cooperp-refresh"

	DefaultAccessTTL     = 7 * 24 * time.Hour
	DefaultRememberMeTTL = 30 * 24 * time.Hour
	DefaultRefreshTTL    = 30 * 24 * time.Hour
)

// Claims is the payload of access and refresh tokens. SessionID is shared
// by the access and refresh tokens of one sign-in.
type Claims struct {
	Email       string   `json:"email"`
	TenantID    string   `json:"tenant_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens. Access and refresh tokens use
// different secrets and audiences so neither is accepted in place of the other.
type TokenIssuer struct {
	issuer        string
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

// NewTokenIssuer requires two distinct non-empty secrets.
func NewTokenIssuer(issuer, accessSecret, refreshSecret string, now func() time.Time) (*TokenIssuer, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		issuer:        issuer,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           now,
	}, nil
}

// Subject identifies who a token is minted for.
type Subject struct {
	UserID      string
	Email       string
	TenantID    string
	Role        string
	Permissions []string
	SessionID   string
}

func (t *TokenIssuer) IssueAccessToken(sub Subject, ttl time.Duration) (string, Claims, error) {
	return t.issue(sub, AudienceAccess, t.accessSecret, ttl)
}

func (t *TokenIssuer) IssueRefreshToken(sub Subject, ttl time.Duration) (string, Claims, error) {
	return t.issue(sub, AudienceRefresh, t.refreshSecret, ttl)
}

func (t *TokenIssuer) issue(sub Subject, audience string, secret []byte, ttl time.Duration) (string, Claims, error) {
	if sub.UserID == "" {
		return "", Claims{}, errors.New("auth: token subject is required")
	}
	if ttl <= 0 {
		return "", Claims{}, errors.New("auth: token ttl must be positive")
	}
	now := t.now().UTC().Truncate(time.Second)
	claims := Claims{
		Email:       sub.Email,
		TenantID:    sub.TenantID,
		Role:        sub.Role,
		Permissions: sub.Permissions,
		SessionID:   sub.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   sub.UserID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses token for audience. Expired tokens fail with ErrTokenExpired,
// everything else with ErrInvalidToken.
func (t *TokenIssuer) Verify(token, audience string) (Claims, error) {
	var secret []byte
	switch audience {
	case AudienceAccess:
		secret = t.accessSecret
	case AudienceRefresh:
		secret = t.refreshSecret
	default:
		return Claims{}, ErrInvalidToken
	}
	if token == "" {
		return Claims{}, ErrNoToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return secret, nil })
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrTokenExpired
	default:
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
