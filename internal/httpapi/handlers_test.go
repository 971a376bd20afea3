package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/ratelimit"
	"cooperp.org/internal/revoke"
	"cooperp.org/internal/store/memory"
	"cooperp.org/internal/tenant"
)

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Write(_ context.Context, e audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) has(typ string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

type testOptions struct {
	hardened    bool
	authLimiter ratelimit.Limiter
	mfaRoles    []string
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	svc     *auth.Service
	events  *eventLog
}

func newTestAPI(t *testing.T, opts ...func(*testOptions)) *apiClient {
	t.Helper()
	var o testOptions
	for _, fn := range opts {
		fn(&o)
	}

	store := memory.New()
	events := &eventLog{}
	rec := audit.NewRecorder(audit.WithAuditSinks(events), audit.WithSecuritySinks(events))

	authz := auth.NewAuthorizer([]string{"super_admin"}, []string{"admin", "super_admin"}, rec)
	rbac, err := auth.NewRBACService(store, rec, auth.WithReservedRoles(authz.Reserved()...))
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}
	if err := rbac.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	dir, err := tenant.NewCachedDirectory(store, time.Minute)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	t.Cleanup(dir.Close)
	issuer, err := auth.NewTokenIssuer("cooperp-test", "access-secret-0123456789", "refresh-secret-0123456789", nil)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	svc, err := auth.NewService(store, issuer,
		auth.WithHasher(auth.NewHasher(bcrypt.MinCost, 4)),
		auth.WithRevoker(revoke.NewMemory(time.Now)),
		auth.WithRecorder(rec),
		auth.WithTenantCache(dir),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	resolver := tenant.NewResolver(tenant.ResolverConfig{
		ReservedSubdomains: []string{"www", "api"},
		ExemptPaths:        []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/api/v1/tenants/register"},
	}, tenant.WithDirectory(dir), tenant.WithRecorder(rec))

	api, err := New(Config{Version: "test", MaxBodyBytes: 1 << 20, HardenedErrors: o.hardened, MFARoles: o.mfaRoles}, Deps{
		Auth:        svc,
		RBAC:        rbac,
		Authorizer:  authz,
		Resolver:    resolver,
		Recorder:    rec,
		AuthLimiter: o.authLimiter,
	})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		svc:     svc,
		events:  events,
	}
}

type response struct {
	code   int
	header http.Header
	body   map[string]any
}

func (r response) data() map[string]any {
	d, _ := r.body["data"].(map[string]any)
	return d
}

func (r response) message() string {
	m, _ := r.body["message"].(string)
	return m
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) response {
	c.t.Helper()
	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	out := response{code: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			c.t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return out
}

// onboarded is a tenant with its first administrator signed in.
type onboarded struct {
	tenantID string
	slug     string
	userID   string
	token    string
}

func (o onboarded) headers() map[string]string {
	return map[string]string{"X-Tenant-ID": o.slug, "Authorization": "Bearer " + o.token}
}

func (c *apiClient) onboard(name, email string) onboarded {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/v1/tenants/register", map[string]any{
		"name": name,
		"type": "agricultural",
		"admin": map[string]any{
			"email": email, "password": "Admin12345!", "firstName": "Asha", "lastName": "Rao",
		},
	}, nil)
	if resp.code != http.StatusCreated {
		c.t.Fatalf("onboard %s: %d %v", name, resp.code, resp.body)
	}
	d := resp.data()
	tn := d["tenant"].(map[string]any)
	sess := d["session"].(map[string]any)
	user := sess["user"].(map[string]any)
	tokens := sess["tokens"].(map[string]any)
	return onboarded{
		tenantID: tn["id"].(string),
		slug:     tn["slug"].(string),
		userID:   user["id"].(string),
		token:    tokens["accessToken"].(string),
	}
}

// register creates a member and returns its user id and access token.
func (c *apiClient) register(slug, email string) (string, string) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/v1/auth/register", map[string]any{
		"email": email, "password": "Abc12345!", "firstName": "Ravi", "lastName": "Kumar",
	}, map[string]string{"X-Tenant-ID": slug})
	if resp.code != http.StatusCreated {
		c.t.Fatalf("register %s: %d %v", email, resp.code, resp.body)
	}
	sess := resp.data()
	return sess["user"].(map[string]any)["id"].(string), sess["tokens"].(map[string]any)["accessToken"].(string)
}

func withBearer(slug, token string) map[string]string {
	return map[string]string{"X-Tenant-ID": slug, "Authorization": "Bearer " + token}
}

func TestOpsEndpoints(t *testing.T) {
	c := newTestAPI(t)

	health := c.do(http.MethodGet, "/healthz", nil, nil)
	if health.code != http.StatusOK || health.body["service"] != serviceName || health.body["version"] != "test" {
		t.Fatalf("healthz: %d %v", health.code, health.body)
	}
	ready := c.do(http.MethodGet, "/readyz", nil, nil)
	if ready.code != http.StatusOK || ready.body["status"] != "ready" {
		t.Fatalf("readyz: %d %v", ready.code, ready.body)
	}
	info := c.do(http.MethodGet, "/v1/info", nil, nil)
	if _, err := time.Parse(time.RFC3339, info.body["time"].(string)); err != nil {
		t.Fatalf("info time: %v", err)
	}
	if health.header.Get("X-Request-ID") == "" || health.header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing standard headers: %v", health.header)
	}

	resp, err := c.client.Get(c.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestRegisterLoginLockoutOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	reg := c.do(http.MethodPost, "/api/v1/auth/register", map[string]any{
		"email": "A@x.com", "password": "Abc12345!", "firstName": "Ravi", "lastName": "Kumar",
	}, map[string]string{"X-Tenant-ID": org.slug})
	if reg.code != http.StatusCreated || reg.body["status"] != "success" {
		t.Fatalf("register: %d %v", reg.code, reg.body)
	}
	roles := reg.data()["roles"].([]any)
	if len(roles) != 1 || roles[0].(map[string]any)["slug"] != auth.RoleMember {
		t.Fatalf("default role not assigned: %v", roles)
	}

	dup := c.do(http.MethodPost, "/api/v1/auth/register", map[string]any{
		"email": "a@x.com", "password": "Abc12345!", "firstName": "Ravi", "lastName": "Kumar",
	}, map[string]string{"X-Tenant-ID": org.slug})
	if dup.code != http.StatusConflict {
		t.Fatalf("duplicate register: %d %v", dup.code, dup.body)
	}

	login := c.do(http.MethodPost, "/api/v1/auth/login", map[string]any{
		"email": "a@x.com", "password": "Abc12345!", "rememberMe": true,
	}, map[string]string{"X-Tenant-ID": org.slug})
	if login.code != http.StatusOK {
		t.Fatalf("login: %d %v", login.code, login.body)
	}
	tokens := login.data()["tokens"].(map[string]any)
	exp, err := time.Parse(time.RFC3339Nano, tokens["accessExpiresAt"].(string))
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	if ttl := time.Until(exp); ttl < 29*24*time.Hour {
		t.Fatalf("remember-me ttl %v", ttl)
	}

	for i := 0; i < 5; i++ {
		bad := c.do(http.MethodPost, "/api/v1/auth/login", map[string]any{
			"email": "a@x.com", "password": "wrong-password",
		}, map[string]string{"X-Tenant-ID": org.slug})
		if bad.code != http.StatusUnauthorized || bad.message() != "Invalid credentials" {
			t.Fatalf("attempt %d: %d %v", i+1, bad.code, bad.body)
		}
	}
	locked := c.do(http.MethodPost, "/api/v1/auth/login", map[string]any{
		"email": "a@x.com", "password": "Abc12345!",
	}, map[string]string{"X-Tenant-ID": org.slug})
	if locked.code != http.StatusLocked || locked.body["code"] != codeLocked {
		t.Fatalf("expected 423, got %d %v", locked.code, locked.body)
	}
	if !c.events.has(audit.EventAccountLocked) || !c.events.has(audit.EventUnauthorizedAccess) {
		t.Fatalf("lockout events missing")
	}
}

func TestTenantResolutionFailures(t *testing.T) {
	c := newTestAPI(t)
	c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	body := map[string]any{"email": "a@x.com", "password": "Abc12345!"}

	if resp := c.do(http.MethodPost, "/api/v1/auth/login", body, nil); resp.code != http.StatusBadRequest {
		t.Fatalf("missing tenant: %d %v", resp.code, resp.body)
	}
	bad := c.do(http.MethodPost, "/api/v1/auth/login", body, map[string]string{"X-Tenant-ID": "acme;drop"})
	if bad.code != http.StatusBadRequest || bad.message() != "Invalid tenant identifier" {
		t.Fatalf("malformed tenant: %d %v", bad.code, bad.body)
	}
	if !c.events.has(audit.EventInvalidTenantID) {
		t.Fatalf("invalid tenant id not recorded")
	}
	if resp := c.do(http.MethodPost, "/api/v1/auth/login", body, map[string]string{"X-Tenant-ID": "nobody"}); resp.code != http.StatusNotFound {
		t.Fatalf("unknown tenant: %d %v", resp.code, resp.body)
	}
}

func TestAuthenticationFailures(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	none := c.do(http.MethodGet, "/api/v1/auth/profile", nil, map[string]string{"X-Tenant-ID": org.slug})
	if none.code != http.StatusUnauthorized || none.message() != "No token provided" {
		t.Fatalf("no token: %d %v", none.code, none.body)
	}
	if none.body["request_id"] == nil || none.body["statusCode"] != float64(http.StatusUnauthorized) {
		t.Fatalf("error envelope incomplete: %v", none.body)
	}
	garbage := c.do(http.MethodGet, "/api/v1/auth/profile", nil, withBearer(org.slug, "not-a-jwt"))
	if garbage.code != http.StatusUnauthorized || garbage.message() != "Invalid token" {
		t.Fatalf("garbage token: %d %v", garbage.code, garbage.body)
	}

	req, _ := http.NewRequest(http.MethodGet, c.baseURL+"/api/v1/auth/profile", nil)
	req.Header.Set("X-Tenant-ID", org.slug)
	req.AddCookie(&http.Cookie{Name: "token", Value: org.token})
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("cookie request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie token rejected: %d", resp.StatusCode)
	}

	logout := c.do(http.MethodPost, "/api/v1/auth/logout", nil, org.headers())
	if logout.code != http.StatusOK {
		t.Fatalf("logout: %d %v", logout.code, logout.body)
	}
	after := c.do(http.MethodGet, "/api/v1/auth/profile", nil, org.headers())
	if after.code != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: %d", after.code)
	}
}

func TestCrossTenantTokenIsForbidden(t *testing.T) {
	c := newTestAPI(t)
	green := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	lake := c.onboard("Lake Housing Society", "admin@lakehousing.coop")

	resp := c.do(http.MethodGet, "/api/v1/roles", nil, withBearer(lake.slug, green.token))
	if resp.code != http.StatusForbidden || resp.message() != "Access denied: tenant mismatch" {
		t.Fatalf("expected tenant mismatch, got %d %v", resp.code, resp.body)
	}
	if !c.events.has(audit.EventCrossTenantAccess) {
		t.Fatalf("cross-tenant attempt not recorded")
	}
}

func TestValidationEnvelope(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	resp := c.do(http.MethodPost, "/api/v1/auth/register", map[string]any{"email": "nope"},
		map[string]string{"X-Tenant-ID": org.slug})
	if resp.code != http.StatusBadRequest || resp.body["code"] != codeValidation || resp.body["status"] != "fail" {
		t.Fatalf("validation: %d %v", resp.code, resp.body)
	}
	details, _ := resp.body["details"].(map[string]any)
	for _, field := range []string{"email", "password", "firstName", "lastName"} {
		if _, ok := details[field]; !ok {
			t.Fatalf("missing detail for %s: %v", field, details)
		}
	}

	unknown := c.do(http.MethodPost, "/api/v1/auth/login", map[string]any{"email": "a@x.com", "password": "x", "extra": 1},
		map[string]string{"X-Tenant-ID": org.slug})
	if unknown.code != http.StatusBadRequest {
		t.Fatalf("unknown field accepted: %d", unknown.code)
	}

	hardened := newTestAPI(t, func(o *testOptions) { o.hardened = true })
	org2 := hardened.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	h := hardened.do(http.MethodPost, "/api/v1/auth/register", map[string]any{"email": "nope"},
		map[string]string{"X-Tenant-ID": org2.slug})
	if h.code != http.StatusBadRequest || h.body["details"] != nil {
		t.Fatalf("hardened errors leak details: %v", h.body)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	hdr := map[string]string{"X-Tenant-ID": org.slug}

	for _, email := range []string{"admin@greenvalley.coop", "ghost@nowhere.coop"} {
		resp := c.do(http.MethodPost, "/api/v1/auth/forgot-password", map[string]any{"email": email}, hdr)
		if resp.code != http.StatusOK {
			t.Fatalf("forgot %s: %d %v", email, resp.code, resp.body)
		}
	}
	bad := c.do(http.MethodPost, "/api/v1/auth/reset-password", map[string]any{"token": "deadbeef", "password": "NewPass123!"}, hdr)
	if bad.code != http.StatusBadRequest || bad.message() != "Invalid or expired reset token" {
		t.Fatalf("bogus reset token: %d %v", bad.code, bad.body)
	}
}

func TestMFAEndpoints(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	setup := c.do(http.MethodPost, "/api/v1/auth/mfa/setup", nil, org.headers())
	if setup.code != http.StatusOK || setup.data()["secret"] == "" || setup.data()["otpauth_url"] == nil {
		t.Fatalf("mfa setup: %d %v", setup.code, setup.body)
	}
	wrong := c.do(http.MethodPost, "/api/v1/auth/mfa/verify", map[string]any{"token": "000000"}, org.headers())
	if wrong.code != http.StatusBadRequest {
		t.Fatalf("wrong mfa code: %d %v", wrong.code, wrong.body)
	}
	malformed := c.do(http.MethodPost, "/api/v1/auth/mfa/verify", map[string]any{"token": "12"}, org.headers())
	if malformed.code != http.StatusBadRequest || malformed.body["code"] != codeValidation {
		t.Fatalf("malformed mfa code: %d %v", malformed.code, malformed.body)
	}
	disable := c.do(http.MethodPost, "/api/v1/auth/mfa/disable", map[string]any{"password": "wrong"}, org.headers())
	if disable.code != http.StatusBadRequest {
		t.Fatalf("disable with wrong password: %d %v", disable.code, disable.body)
	}
}

func TestAuthRateLimit(t *testing.T) {
	c := newTestAPI(t, func(o *testOptions) { o.authLimiter = ratelimit.NewLocalWindow(2, time.Minute) })
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	hdr := map[string]string{"X-Tenant-ID": org.slug}
	body := map[string]any{"email": "ghost@nowhere.coop"}

	// Onboarding consumed one slot of the auth scope.
	if resp := c.do(http.MethodPost, "/api/v1/auth/forgot-password", body, hdr); resp.code != http.StatusOK {
		t.Fatalf("first: %d %v", resp.code, resp.body)
	}
	limited := c.do(http.MethodPost, "/api/v1/auth/forgot-password", body, hdr)
	if limited.code != http.StatusTooManyRequests || limited.header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", limited.code, limited.header)
	}
	if !c.events.has(audit.EventRateLimitExceeded) {
		t.Fatalf("rate limit not recorded")
	}
	// The global scope is unlimited here.
	if resp := c.do(http.MethodGet, "/api/v1/auth/profile", nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("profile: %d", resp.code)
	}
}

func TestFailedOnboardingCanBeRetried(t *testing.T) {
	c := newTestAPI(t)
	body := func(password string) map[string]any {
		return map[string]any{
			"name": "Orphan Coop",
			"admin": map[string]any{
				"email": "orphan@x.coop", "password": password, "firstName": "O", "lastName": "C",
			},
		}
	}
	weak := c.do(http.MethodPost, "/api/v1/tenants/register", body("weak"), nil)
	if weak.code != http.StatusBadRequest {
		t.Fatalf("weak password: %d %v", weak.code, weak.body)
	}
	retry := c.do(http.MethodPost, "/api/v1/tenants/register", body("Admin12345!"), nil)
	if retry.code != http.StatusCreated {
		t.Fatalf("retry after rejected onboarding: %d %v", retry.code, retry.body)
	}
}

func TestRefreshTokenDiesWithLogout(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	hdr := map[string]string{"X-Tenant-ID": org.slug}

	login := c.do(http.MethodPost, "/api/v1/auth/login", map[string]any{
		"email": "admin@greenvalley.coop", "password": "Admin12345!",
	}, hdr)
	if login.code != http.StatusOK {
		t.Fatalf("login: %d %v", login.code, login.body)
	}
	tokens := login.data()["tokens"].(map[string]any)
	access, refresh := tokens["accessToken"].(string), tokens["refreshToken"].(string)

	if resp := c.do(http.MethodPost, "/api/v1/auth/logout", nil, withBearer(org.slug, access)); resp.code != http.StatusOK {
		t.Fatalf("logout: %d %v", resp.code, resp.body)
	}
	after := c.do(http.MethodPost, "/api/v1/auth/refresh", map[string]any{"refreshToken": refresh}, hdr)
	if after.code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: %d %v", after.code, after.body)
	}
	// The onboarding session is separate and survives.
	if resp := c.do(http.MethodGet, "/api/v1/auth/profile", nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("other session: %d %v", resp.code, resp.body)
	}
}
