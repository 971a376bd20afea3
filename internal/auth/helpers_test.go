package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/revoke"
	"cooperp.org/internal/store/memory"
	"cooperp.org/internal/tenant"
)

const (
	adminEmail    = "admin@greenvalley.coop"
	adminPassword = "Admin12345!"
)

// as is an override caller acting under id; root is one without an id.
func as(id string) auth.Caller { return auth.Caller{UserID: id, Override: true} }

var root = as("")

type captureNotifier struct {
	mu      sync.Mutex
	verify  map[string]string
	reset   map[string]string
	changed int
}

func (n *captureNotifier) SendVerificationEmail(_ context.Context, u auth.User, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verify[u.Email] = token
	return nil
}

func (n *captureNotifier) SendPasswordResetEmail(_ context.Context, u auth.User, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset[u.Email] = token
	return nil
}

func (n *captureNotifier) SendPasswordChangedEmail(context.Context, auth.User) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed++
	return nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	now      time.Time
	store    *memory.Store
	svc      *auth.Service
	rbac     *auth.RBACService
	notifier *captureNotifier
	tenant   tenant.Tenant
	admin    auth.Session

	mu     sync.Mutex
	events []audit.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		store:    memory.New(),
		notifier: &captureNotifier{verify: map[string]string{}, reset: map[string]string{}},
	}
	clock := func() time.Time { return f.now }
	sink := audit.SinkFunc(func(_ context.Context, e audit.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	})
	rec := audit.NewRecorder(audit.WithAuditSinks(sink), audit.WithSecuritySinks(sink), audit.WithClock(clock))

	rbac, err := auth.NewRBACService(f.store, rec, auth.WithRBACClock(clock))
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}
	if err := rbac.EnsureBuiltins(f.ctx); err != nil {
		t.Fatalf("ensure builtins: %v", err)
	}
	issuer, err := auth.NewTokenIssuer("", "access-secret-0123456789", "refresh-secret-0123456789", clock)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	svc, err := auth.NewService(f.store, issuer,
		auth.WithHasher(auth.NewHasher(bcrypt.MinCost, 4)),
		auth.WithRevoker(revoke.NewMemory(clock)),
		auth.WithNotifier(f.notifier),
		auth.WithRecorder(rec),
		auth.WithClock(clock),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	f.svc, f.rbac = svc, rbac

	ob, err := svc.OnboardTenant(f.ctx, auth.OnboardInput{
		Name: "Green Valley Cooperative",
		Type: tenant.TypeAgricultural,
		Admin: auth.RegisterInput{
			Email: adminEmail, Password: adminPassword, FirstName: "Asha", LastName: "Rao",
		},
	})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	f.tenant, f.admin = ob.Tenant, ob.Session
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) register(email, password string) auth.Session {
	f.t.Helper()
	sess, err := f.svc.Register(f.ctx, auth.RegisterInput{
		TenantID: f.tenant.ID, Email: email, Password: password, FirstName: "Test", LastName: "User",
	})
	if err != nil {
		f.t.Fatalf("register %s: %v", email, err)
	}
	return sess
}

func (f *fixture) principal(token string) auth.Principal {
	f.t.Helper()
	p, err := f.svc.AuthenticateToken(f.ctx, token)
	if err != nil {
		f.t.Fatalf("authenticate: %v", err)
	}
	return p
}

func (f *fixture) eventTypes(cat audit.Category) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.Category == cat {
			out = append(out, e.Type)
		}
	}
	return out
}

func (f *fixture) hasEvent(cat audit.Category, typ string) bool {
	for _, got := range f.eventTypes(cat) {
		if got == typ {
			return true
		}
	}
	return false
}

func (f *fixture) permissionID(slug string) string {
	f.t.Helper()
	perms, err := f.rbac.ListPermissions(f.ctx, "")
	if err != nil {
		f.t.Fatalf("list permissions: %v", err)
	}
	for _, p := range perms {
		if p.Slug == slug {
			return p.ID
		}
	}
	f.t.Fatalf("permission %s not found", slug)
	return ""
}
