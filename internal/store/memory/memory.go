// Package memory keeps tenants, users and the role/permission graph in
// process. It mirrors the PostgreSQL store's semantics and backs dev mode
// and tests; state is lost on restart and not shared between instances.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/ids"
	"cooperp.org/internal/tenant"
)

type Store struct {
	mu sync.Mutex

	tenants     map[string]tenant.Tenant
	users       map[string]auth.User
	roles       map[string]auth.Role
	permissions map[string]auth.Permission
	grants      map[[2]string]auth.RolePermission
	assignments map[[2]string]auth.UserRole
	events      []audit.Event
}

var (
	_ auth.Store  = (*Store)(nil)
	_ audit.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		tenants:     map[string]tenant.Tenant{},
		users:       map[string]auth.User{},
		roles:       map[string]auth.Role{},
		permissions: map[string]auth.Permission{},
		grants:      map[[2]string]auth.RolePermission{},
		assignments: map[[2]string]auth.UserRole{},
	}
}

func (s *Store) CreateTenant(_ context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.Slug == t.Slug {
			return tenant.Tenant{}, tenant.ErrConflict
		}
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	t.Features = maps.Clone(t.Features)
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) GetTenant(_ context.Context, id string) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetTenantBySlug(_ context.Context, slug string) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Slug == slug && t.DeletedAt == nil {
			return t, nil
		}
	}
	return tenant.Tenant{}, tenant.ErrNotFound
}

func (s *Store) UpdateTenant(_ context.Context, id string, upd tenant.Update) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok || t.DeletedAt != nil {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Settings != nil {
		t.Settings = *upd.Settings
	}
	if upd.Features != nil {
		t.Features = maps.Clone(upd.Features)
	}
	if upd.Quotas != nil {
		t.Quotas = *upd.Quotas
	}
	if upd.SubscriptionStatus != nil {
		t.SubscriptionStatus = *upd.SubscriptionStatus
	}
	t.UpdatedBy = auth.ActorRef(upd.UpdatedBy)
	t.UpdatedAt = time.Now().UTC()
	s.tenants[id] = t
	return t, nil
}

func (s *Store) DeactivateTenant(_ context.Context, id, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok || t.DeletedAt != nil {
		return tenant.ErrNotFound
	}
	t.IsActive = false
	t.DeletedAt = &at
	t.UpdatedBy = auth.ActorRef(actor)
	t.UpdatedAt = at
	s.tenants[id] = t
	for uid, u := range s.users {
		if u.TenantID == id && u.IsActive {
			u.IsActive = false
			u.UpdatedAt = at
			s.users[uid] = u
		}
	}
	for rid, r := range s.roles {
		if r.TenantID == id && r.IsActive {
			r.IsActive = false
			r.UpdatedAt = at
			s.roles[rid] = r
		}
	}
	return nil
}

func (s *Store) CountActiveUsers(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.users {
		if u.TenantID == tenantID && u.IsActive && u.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[u.TenantID]; !ok {
		return auth.User{}, auth.ErrNotFound
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return auth.User{}, auth.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveUser(id)
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.DeletedAt == nil && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, tenantID string) ([]auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.User
	for _, u := range s.users {
		if u.TenantID == tenantID && u.DeletedAt == nil {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetUserByToken(_ context.Context, kind auth.TokenKind, digest string, now time.Time) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.userByToken(kind, digest, now)
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) SetUserToken(_ context.Context, userID string, kind auth.TokenKind, digest string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	switch kind {
	case auth.TokenPasswordReset:
		u.PasswordResetDigest, u.PasswordResetExpires = digest, &expiresAt
	case auth.TokenEmailVerification:
		u.EmailVerifyDigest, u.EmailVerifyExpires = digest, &expiresAt
	default:
		return auth.ErrInvalidInput
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) ConsumeUserToken(_ context.Context, c auth.TokenConsumption) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.userByToken(c.Kind, c.Digest, c.Now)
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	switch c.Kind {
	case auth.TokenPasswordReset:
		now := c.Now
		u.PasswordHash = c.PasswordHash
		u.PasswordChangedAt = &now
		u.PasswordResetDigest, u.PasswordResetExpires = "", nil
	case auth.TokenEmailVerification:
		u.EmailVerified = true
		u.EmailVerifyDigest, u.EmailVerifyExpires = "", nil
	}
	u.UpdatedAt = c.Now
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UpdatePassword(_ context.Context, userID, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.PasswordChangedAt = &at
	u.PasswordResetDigest, u.PasswordResetExpires = "", nil
	u.UpdatedAt = at
	s.users[u.ID] = u
	return nil
}

func (s *Store) RecordLoginFailure(_ context.Context, userID string, policy auth.LockoutPolicy, now time.Time) (auth.LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return auth.LockState{}, err
	}
	next := policy.Next(u.Lock(), now)
	u.LoginAttempts, u.LockedUntil = next.Attempts, next.LockedUntil
	u.UpdatedAt = now
	s.users[u.ID] = u
	return next, nil
}

func (s *Store) RecordLoginSuccess(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	u.LoginAttempts, u.LockedUntil, u.LastLoginAt = 0, nil, &now
	u.UpdatedAt = now
	s.users[u.ID] = u
	return nil
}

func (s *Store) SetMFASecret(_ context.Context, userID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	u.MFASecret, u.MFAEnabled = secret, false
	s.users[u.ID] = u
	return nil
}

func (s *Store) EnableMFA(_ context.Context, userID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	if secret == "" || u.MFASecret != secret {
		return auth.ErrNotFound
	}
	u.MFAEnabled = true
	s.users[u.ID] = u
	return nil
}

func (s *Store) DisableMFA(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	u.MFASecret, u.MFAEnabled = "", false
	s.users[u.ID] = u
	return nil
}

func (s *Store) DeactivateUser(_ context.Context, userID, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.liveUser(userID)
	if err != nil {
		return err
	}
	u.IsActive = false
	u.DeletedAt = &at
	u.UpdatedBy = auth.ActorRef(actor)
	u.UpdatedAt = at
	s.users[u.ID] = u
	for key, ur := range s.assignments {
		if ur.UserID == userID && ur.IsActive {
			s.assignments[key] = revokedAssignment(ur, actor, at)
		}
	}
	return nil
}

func (s *Store) liveUser(id string) (auth.User, error) {
	u, ok := s.users[id]
	if !ok || u.DeletedAt != nil {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) userByToken(kind auth.TokenKind, digest string, now time.Time) (auth.User, bool) {
	if digest == "" {
		return auth.User{}, false
	}
	for _, u := range s.users {
		if u.DeletedAt != nil || !u.IsActive {
			continue
		}
		var d string
		var exp *time.Time
		switch kind {
		case auth.TokenPasswordReset:
			d, exp = u.PasswordResetDigest, u.PasswordResetExpires
		case auth.TokenEmailVerification:
			d, exp = u.EmailVerifyDigest, u.EmailVerifyExpires
		}
		if d == digest && exp != nil && now.Before(*exp) {
			return u, true
		}
	}
	return auth.User{}, false
}

// AppendAuditEvent keeps events in order for inspection.
func (s *Store) AppendAuditEvent(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// AuditEvents returns a copy of the recorded events.
func (s *Store) AuditEvents() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}
