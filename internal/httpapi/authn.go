package httpapi

import (
	"net/http"
	"strings"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/tenant"
)

const (
	authHeader  = "Authorization"
	bearer      = "Bearer "
	tokenCookie = "token"

	featureUserManagement = "user_management"
)

// authenticate requires a valid access token. The principal must belong to
// the resolved tenant unless it holds an override role.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			a.writeServiceError(w, r, auth.ErrNoToken)
			return
		}
		principal, err := a.auth.AuthenticateToken(r.Context(), token)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		if s := stateFrom(ctx); s != nil {
			s.userID = principal.UserID
		}
		if tc, ok := tenant.FromContext(ctx); ok {
			if err := a.authz.Authorize(ctx, principal, auth.Requirement{TenantID: tc.ID}); err != nil {
				a.writeServiceError(w, r, err)
				return
			}
		} else {
			ctx = audit.WithTenant(ctx, principal.TenantID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireEnrollment blocks principals that must turn on MFA. The /auth
// routes stay open so they can enroll.
func (a *API) requireEnrollment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if ok && p.NeedsMFAEnrollment(a.cfg.MFARoles) {
			a.recorder.Security(r.Context(), audit.EventMFAEnrollmentRequired, map[string]any{
				"user_id": p.UserID, "role": p.PrimaryRole(), "tenant_policy": p.TenantMFA,
			})
			a.writeServiceError(w, r, auth.ErrMFAEnrollment)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireFeature rejects requests for a tenant that has feature switched
// off. Override callers pass.
func (a *API) requireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				a.writeServiceError(w, r, auth.ErrNoToken)
				return
			}
			if a.authz.IsOverride(p) {
				next.ServeHTTP(w, r)
				return
			}
			t, err := a.auth.CurrentTenant(r.Context(), scopeTenant(r, p))
			if err != nil {
				a.writeServiceError(w, r, err)
				return
			}
			if !t.FeatureEnabled(feature) {
				a.recorder.Security(r.Context(), audit.EventFeatureAccessDenied, map[string]any{
					"user_id": p.UserID, "tenant_id": t.ID, "feature": feature,
				})
				a.writeServiceError(w, r, auth.ErrFeatureDisabled)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads a bearer header first, then the token cookie.
func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if len(header) > len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
		if token := strings.TrimSpace(header[len(bearer):]); token != "" {
			return token
		}
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// authorize checks req against the request principal and writes the denial.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, req auth.Requirement) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrNoToken)
		return auth.Principal{}, false
	}
	if err := a.authz.Authorize(r.Context(), p, req); err != nil {
		a.writeServiceError(w, r, err)
		return auth.Principal{}, false
	}
	return p, true
}

// scopeTenant is the tenant a graph request acts on: the resolved tenant,
// falling back to the principal's own.
func scopeTenant(r *http.Request, p auth.Principal) string {
	if tc, ok := tenant.FromContext(r.Context()); ok && tc.ID != "" {
		return tc.ID
	}
	return p.TenantID
}
