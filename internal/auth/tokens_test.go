package auth

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, now *time.Time) *TokenIssuer {
	t.Helper()
	iss, err := NewTokenIssuer("", "access-secret-0123456789", "refresh-secret-0123456789", func() time.Time { return *now })
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	return iss
}

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	sub := Subject{UserID: "u1", Email: "a@x.com", TenantID: "t1", Role: "admin", Permissions: []string{"a.b.c", "d.e.f"}}
	token, issued, err := iss.IssueAccessToken(sub, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Verify(token, AudienceAccess)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != sub.UserID || claims.Email != sub.Email || claims.TenantID != sub.TenantID || claims.Role != sub.Role {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if !reflect.DeepEqual(claims.Permissions, sub.Permissions) {
		t.Fatalf("permissions mismatch: %v", claims.Permissions)
	}
	if claims.ID == "" || claims.ID != issued.ID {
		t.Fatalf("jti not carried: %q vs %q", claims.ID, issued.ID)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("issuer %q", claims.Issuer)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	token, _, err := iss.IssueAccessToken(Subject{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = now.Add(59 * time.Minute)
	if _, err := iss.Verify(token, AudienceAccess); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}
	now = now.Add(2 * time.Minute)
	_, err = iss.Verify(token, AudienceAccess)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired must be an unauthenticated kind")
	}
}

func TestTokenAudiencesAreNotInterchangeable(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	access, _, _ := iss.IssueAccessToken(Subject{UserID: "u1"}, time.Hour)
	refresh, _, _ := iss.IssueRefreshToken(Subject{UserID: "u1"}, time.Hour)

	if _, err := iss.Verify(refresh, AudienceAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh accepted as access: %v", err)
	}
	if _, err := iss.Verify(access, AudienceRefresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access accepted as refresh: %v", err)
	}
	if _, err := iss.Verify(refresh, AudienceRefresh); err != nil {
		t.Fatalf("refresh rejected: %v", err)
	}
}

func TestTokenRejectsTamperingAndGarbage(t *testing.T) {
	now := time.Now()
	iss := newTestIssuer(t, &now)
	token, _, _ := iss.IssueAccessToken(Subject{UserID: "u1"}, time.Hour)
	parts := strings.Split(token, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	for _, bad := range []string{strings.Join(parts, "."), "not-a-jwt", "a.b.c"} {
		if _, err := iss.Verify(bad, AudienceAccess); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%q: expected ErrInvalidToken, got %v", bad, err)
		}
	}
	if _, err := iss.Verify("", AudienceAccess); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestNewTokenIssuerValidatesSecrets(t *testing.T) {
	if _, err := NewTokenIssuer("", "same", "same", nil); err == nil {
		t.Fatalf("expected error for equal secrets")
	}
	if _, err := NewTokenIssuer("", "", "x", nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
