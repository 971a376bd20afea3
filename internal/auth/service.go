package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/obs"
	"cooperp.org/internal/tenant"
)

// TenantCache is told about tenant changes so cached lookups do not go stale.
type TenantCache interface {
	Invalidate(t tenant.Tenant)
}

// Service implements the account lifecycle: onboarding, registration,
// login, token refresh, password and email flows, and MFA.
type Service struct {
	store    Store
	tokens   *TokenIssuer
	hasher   *Hasher
	mfa      MFA
	revoker  Revoker
	notifier Notifier
	recorder *audit.Recorder
	tenants  TenantCache
	lockout  LockoutPolicy
	now      func() time.Time

	accessTTL     time.Duration
	rememberMeTTL time.Duration
	refreshTTL    time.Duration
	resetTTL      time.Duration
	verifyTTL     time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

func WithHasher(h *Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

func WithRevoker(r Revoker) ServiceOption {
	return func(s *Service) error {
		s.revoker = r
		return nil
	}
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

func WithRecorder(r *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.recorder = r
		return nil
	}
}

func WithTenantCache(c TenantCache) ServiceOption {
	return func(s *Service) error {
		s.tenants = c
		return nil
	}
}

// WithLockoutPolicy sets the global policy; tenants may override it.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Threshold < 0 || p.Window < 0 {
			return errors.New("auth: lockout threshold and window must not be negative")
		}
		s.lockout = p
		return nil
	}
}

// WithSessionTTLs configures access, remember-me access and refresh lifetimes.
// Zero keeps the default.
func WithSessionTTLs(access, rememberMe, refresh time.Duration) ServiceOption {
	return func(s *Service) error {
		if access > 0 {
			s.accessTTL = access
		}
		if rememberMe > 0 {
			s.rememberMeTTL = rememberMe
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
		return nil
	}
}

// WithOneTimeTokenTTLs configures reset and verification token lifetimes.
func WithOneTimeTokenTTLs(reset, verify time.Duration) ServiceOption {
	return func(s *Service) error {
		if reset > 0 {
			s.resetTTL = reset
		}
		if verify > 0 {
			s.verifyTTL = verify
		}
		return nil
	}
}

func WithMFAIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.mfa.Issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	svc := &Service{
		store:         store,
		tokens:        tokens,
		lockout:       DefaultLockoutPolicy(),
		now:           time.Now,
		accessTTL:     DefaultAccessTTL,
		rememberMeTTL: DefaultRememberMeTTL,
		refreshTTL:    DefaultRefreshTTL,
		resetTTL:      DefaultResetTokenTTL,
		verifyTTL:     DefaultVerifyTokenTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		svc.hasher = NewHasher(DefaultBcryptCost, 0)
	}
	return svc, nil
}

// TokenPair is what a successful authentication hands back.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
}

// Session is a user with resolved roles and a token pair.
type Session struct {
	User        User      `json:"user"`
	Roles       []RoleRef `json:"roles"`
	Permissions []string  `json:"permissions"`
	Tokens      TokenPair `json:"tokens"`
	// MFASetupRequired is set when the tenant requires MFA and the user has
	// not enrolled yet.
	MFASetupRequired bool `json:"mfaSetupRequired,omitempty"`
}

// Profile is the authenticated user's view of itself.
type Profile struct {
	User        User      `json:"user"`
	Roles       []RoleRef `json:"roles"`
	Permissions []string  `json:"permissions"`
}

type RegisterInput struct {
	TenantID    string
	Email       string
	Password    string
	FirstName   string
	LastName    string
	Phone       string
	Designation string
	Department  string
}

// Register creates a user in an active tenant, assigns the tenant's default
// role, sends a verification email and signs the user in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	if err := in.normalize(); err != nil {
		return Session{}, err
	}
	t, err := s.lookupTenant(ctx, in.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return Session{}, ErrInvalidTenant
		}
		return Session{}, err
	}
	now := s.now().UTC()
	if !t.Usable(now) {
		return Session{}, ErrInvalidTenant
	}
	if err := checkPassword(t, in.Password); err != nil {
		return Session{}, err
	}
	if t.Quotas.MaxUsers > 0 {
		n, err := s.store.CountActiveUsers(ctx, t.ID)
		if err != nil {
			return Session{}, err
		}
		if n >= t.Quotas.MaxUsers {
			return Session{}, ErrQuotaExceeded
		}
	}
	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return Session{}, err
	}
	verify, err := newOneTimeToken(now, s.verifyTTL)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.CreateUser(ctx, User{
		TenantID:           t.ID,
		Email:              in.Email,
		FirstName:          in.FirstName,
		LastName:           in.LastName,
		Phone:              strings.TrimSpace(in.Phone),
		Designation:        strings.TrimSpace(in.Designation),
		Department:         strings.TrimSpace(in.Department),
		PasswordHash:       hash,
		PasswordChangedAt:  &now,
		EmailVerifyDigest:  verify.Digest,
		EmailVerifyExpires: &verify.ExpiresAt,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.recorder.Security(ctx, audit.EventDuplicateRegister, map[string]any{"email": in.Email, "tenant_id": t.ID})
			return Session{}, ErrEmailTaken
		}
		return Session{}, err
	}
	role, err := s.store.DefaultRole(ctx, t.ID)
	switch {
	case err == nil:
		if _, err := s.store.AssignRole(ctx, Assignment{UserID: user.ID, RoleID: role.ID, At: now}); err != nil {
			return Session{}, fmt.Errorf("assign default role: %w", err)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return Session{}, err
	}
	s.notify(ctx, "verification", func(n Notifier) error { return n.SendVerificationEmail(ctx, user, verify.Plain) })
	s.recorder.Audit(ctx, audit.EventUserRegistered, map[string]any{
		"user_id": user.ID, "tenant_id": t.ID, "email": user.Email,
	})
	return s.session(ctx, user, t, s.accessTTL)
}

type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
	MFACode    string
}

// Login checks lockout, password and, when enrolled, the MFA code. Failed
// password and MFA checks count toward the lockout threshold.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	email := normalizeEmail(in.Email)
	now := s.now().UTC()
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
		s.hasher.Verify(ctx, "", in.Password)
		obs.RecordLogin("invalid_credentials")
		s.recorder.Security(ctx, audit.EventLoginFailed, map[string]any{"email": email, "reason": "unknown_user"})
		return Session{}, ErrInvalidCredentials
	}
	t, err := s.store.GetTenant(ctx, user.TenantID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive || !t.Usable(now) {
		obs.RecordLogin("inactive")
		s.recorder.Security(ctx, audit.EventLoginFailed, s.userFields(user, "reason", "inactive"))
		return Session{}, ErrAccountInactive
	}
	if user.Lock().IsLocked(now) {
		obs.RecordLogin("locked")
		s.recorder.Security(ctx, audit.EventLockedLoginAttempt, s.userFields(user, "locked_until", user.LockedUntil))
		return Session{}, ErrAccountLocked
	}
	policy := s.lockout.ForTenant(t.Settings.Security)
	if !s.hasher.Verify(ctx, user.PasswordHash, in.Password) {
		if err := s.loginFailed(ctx, user, policy, now, "invalid_password"); err != nil {
			return Session{}, err
		}
		obs.RecordLogin("invalid_credentials")
		return Session{}, ErrInvalidCredentials
	}
	if user.MFAEnabled {
		code := strings.TrimSpace(in.MFACode)
		if code == "" {
			obs.RecordLogin("mfa_required")
			return Session{}, ErrMFARequired
		}
		if !s.mfa.Verify(user.MFASecret, code, now) {
			s.recorder.Security(ctx, audit.EventInvalidMFACode, s.userFields(user))
			if err := s.loginFailed(ctx, user, policy, now, "invalid_mfa"); err != nil {
				return Session{}, err
			}
			obs.RecordLogin("invalid_mfa")
			return Session{}, ErrInvalidMFACode
		}
	}
	if err := s.store.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return Session{}, err
	}
	user.LoginAttempts, user.LockedUntil, user.LastLoginAt = 0, nil, &now
	ttl := s.accessTTL
	if in.RememberMe {
		ttl = s.rememberMeTTL
	}
	sess, err := s.session(ctx, user, t, ttl)
	if err != nil {
		return Session{}, err
	}
	obs.RecordLogin("success")
	s.recorder.Audit(ctx, audit.EventLoginSucceeded, s.userFields(user, "remember_me", in.RememberMe))
	return sess, nil
}

func (s *Service) loginFailed(ctx context.Context, user User, policy LockoutPolicy, now time.Time, reason string) error {
	prev := user.Lock()
	next, err := s.store.RecordLoginFailure(ctx, user.ID, policy, now)
	if err != nil {
		return err
	}
	s.recorder.Security(ctx, audit.EventLoginFailed, s.userFields(user, "reason", reason, "attempts", next.Attempts))
	if JustLocked(prev, next) {
		obs.RecordLockout()
		s.recorder.Security(ctx, audit.EventAccountLocked, s.userFields(user, "locked_until", next.LockedUntil))
	}
	return nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := s.tokens.Verify(strings.TrimSpace(refreshToken), AudienceRefresh)
	if err != nil {
		return Session{}, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return Session{}, err
	}
	user, t, err := s.activeUser(ctx, claims)
	if err != nil {
		return Session{}, err
	}
	roles, perms, err := s.grants(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	p := NewPrincipal(user, roles, perms)
	sub := subjectOf(p)
	sub.SessionID = claims.SessionID
	access, ac, err := s.tokens.IssueAccessToken(sub, s.accessTTL)
	if err != nil {
		return Session{}, err
	}
	s.recorder.Audit(ctx, audit.EventTokenRefreshed, s.userFields(user))
	return Session{
		User:             user,
		Roles:            p.Roles,
		Permissions:      p.PermissionList(),
		Tokens:           TokenPair{AccessToken: access, AccessExpiresAt: ac.ExpiresAt.Time},
		MFASetupRequired: t.Settings.Security.MFARequired && !user.MFAEnabled,
	}, nil
}

// Logout revokes the presented access token until it would have expired,
// and its session so the paired refresh token stops working too.
func (s *Service) Logout(ctx context.Context, p Principal) error {
	if s.revoker != nil && p.TokenID != "" {
		until := p.ExpiresAt
		if until.IsZero() {
			until = s.now().Add(s.rememberMeTTL)
		}
		if err := s.revoker.Revoke(ctx, p.TokenID, until); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
	}
	if s.revoker != nil && p.SessionID != "" {
		if err := s.revoker.Revoke(ctx, sessionKey(p.SessionID), s.now().Add(s.refreshTTL)); err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
	}
	s.recorder.Audit(ctx, audit.EventLogout, map[string]any{"user_id": p.UserID, "tenant_id": p.TenantID})
	return nil
}

// AuthenticateToken turns a bearer access token into a Principal with roles
// and permissions loaded from the store. When the request IP is known it must
// pass the tenant allowlist.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.Verify(strings.TrimSpace(token), AudienceAccess)
	if err != nil {
		return Principal{}, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return Principal{}, err
	}
	user, t, err := s.activeUser(ctx, claims)
	if err != nil {
		return Principal{}, err
	}
	if ip := audit.RequestFrom(ctx).IP; ip != "" && !t.Settings.Security.IPAllowed(ip) {
		s.recorder.Security(ctx, audit.EventIPNotAllowed, map[string]any{"user_id": user.ID, "tenant_id": t.ID})
		return Principal{}, ErrIPNotAllowed
	}
	roles, perms, err := s.grants(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	p := NewPrincipal(user, roles, perms)
	p.TokenID = claims.ID
	p.SessionID = claims.SessionID
	p.TenantMFA = t.Settings.Security.MFARequired
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// checkRevoked rejects a token whose id or session was revoked.
func (s *Service) checkRevoked(ctx context.Context, claims Claims) error {
	if s.revoker == nil {
		return nil
	}
	keys := []string{claims.ID}
	if claims.SessionID != "" {
		keys = append(keys, sessionKey(claims.SessionID))
	}
	for _, key := range keys {
		revoked, err := s.revoker.IsRevoked(ctx, key)
		if err != nil {
			return fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			s.recorder.Security(ctx, audit.EventRevokedTokenPresented, map[string]any{
				"user_id": claims.Subject, "jti": claims.ID, "sid": claims.SessionID,
			})
			return ErrInvalidToken
		}
	}
	return nil
}

func sessionKey(sid string) string { return "sid:" + sid }

// activeUser loads the token subject and rejects inactive users, unusable
// tenants and tokens minted before the last password change.
func (s *Service) activeUser(ctx context.Context, claims Claims) (User, tenant.Tenant, error) {
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, tenant.Tenant{}, ErrInvalidToken
		}
		return User{}, tenant.Tenant{}, err
	}
	if !user.IsActive {
		return User{}, tenant.Tenant{}, ErrAccountInactive
	}
	if user.PasswordChangedAt != nil && claims.IssuedAt != nil &&
		claims.IssuedAt.Time.Before(user.PasswordChangedAt.Truncate(time.Second)) {
		return User{}, tenant.Tenant{}, ErrPasswordChanged
	}
	t, err := s.store.GetTenant(ctx, user.TenantID)
	if err != nil {
		return User{}, tenant.Tenant{}, err
	}
	if !t.Usable(s.now()) {
		return User{}, tenant.Tenant{}, ErrAccountInactive
	}
	return user, t, nil
}

// ForgotPassword sends a reset token when email belongs to an active user.
// Unknown emails succeed silently.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive {
		return nil
	}
	tok, err := newOneTimeToken(s.now().UTC(), s.resetTTL)
	if err != nil {
		return err
	}
	if err := s.store.SetUserToken(ctx, user.ID, TokenPasswordReset, tok.Digest, tok.ExpiresAt); err != nil {
		return err
	}
	s.notify(ctx, "password_reset", func(n Notifier) error { return n.SendPasswordResetEmail(ctx, user, tok.Plain) })
	s.recorder.Audit(ctx, audit.EventPasswordResetIssued, s.userFields(user))
	return nil
}

// ResetPassword consumes a reset token and sets a new password.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidResetToken
	}
	now := s.now().UTC()
	digest := TokenDigest(token)
	user, err := s.store.GetUserByToken(ctx, TokenPasswordReset, digest, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	t, err := s.store.GetTenant(ctx, user.TenantID)
	if err != nil {
		return err
	}
	if err := checkPassword(t, password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return err
	}
	user, err = s.store.ConsumeUserToken(ctx, TokenConsumption{Kind: TokenPasswordReset, Digest: digest, Now: now, PasswordHash: hash})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	s.notify(ctx, "password_changed", func(n Notifier) error { return n.SendPasswordChangedEmail(ctx, user) })
	s.recorder.Audit(ctx, audit.EventPasswordReset, s.userFields(user))
	return nil
}

// ChangePassword re-checks the current password and returns a fresh session,
// since tokens issued before the change stop working.
func (s *Service) ChangePassword(ctx context.Context, p Principal, current, next string) (Session, error) {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return Session{}, err
	}
	if !s.hasher.Verify(ctx, user.PasswordHash, current) {
		return Session{}, ErrWrongPassword
	}
	if current == next {
		return Session{}, NewValidationError("newPassword", "new password must differ from the current password")
	}
	t, err := s.store.GetTenant(ctx, user.TenantID)
	if err != nil {
		return Session{}, err
	}
	if err := checkPassword(t, next); err != nil {
		return Session{}, err
	}
	hash, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	if err := s.store.UpdatePassword(ctx, user.ID, hash, now); err != nil {
		return Session{}, err
	}
	user.PasswordHash, user.PasswordChangedAt = hash, &now
	s.notify(ctx, "password_changed", func(n Notifier) error { return n.SendPasswordChangedEmail(ctx, user) })
	s.recorder.Audit(ctx, audit.EventPasswordChanged, s.userFields(user))
	return s.session(ctx, user, t, s.accessTTL)
}

// VerifyEmail consumes a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, ErrInvalidVerifyToken
	}
	user, err := s.store.ConsumeUserToken(ctx, TokenConsumption{
		Kind:   TokenEmailVerification,
		Digest: TokenDigest(token),
		Now:    s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidVerifyToken
		}
		return User{}, err
	}
	s.recorder.Audit(ctx, audit.EventEmailVerified, s.userFields(user))
	return user, nil
}

// ResendVerification issues a new verification token. Unknown emails succeed
// silently.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified {
		return ErrAlreadyVerified
	}
	tok, err := newOneTimeToken(s.now().UTC(), s.verifyTTL)
	if err != nil {
		return err
	}
	if err := s.store.SetUserToken(ctx, user.ID, TokenEmailVerification, tok.Digest, tok.ExpiresAt); err != nil {
		return err
	}
	s.notify(ctx, "verification", func(n Notifier) error { return n.SendVerificationEmail(ctx, user, tok.Plain) })
	s.recorder.Audit(ctx, audit.EventVerificationResent, s.userFields(user))
	return nil
}

func (s *Service) Profile(ctx context.Context, p Principal) (Profile, error) {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: user, Roles: p.Roles, Permissions: p.PermissionList()}, nil
}

// SetupMFA stores a new unconfirmed secret. It is enabled by VerifyMFA.
func (s *Service) SetupMFA(ctx context.Context, p Principal) (MFASecret, error) {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return MFASecret{}, err
	}
	if user.MFAEnabled {
		return MFASecret{}, ErrMFAAlreadyEnabled
	}
	secret, err := s.mfa.GenerateSecret(user.Email)
	if err != nil {
		return MFASecret{}, err
	}
	if err := s.store.SetMFASecret(ctx, user.ID, secret.Secret); err != nil {
		return MFASecret{}, err
	}
	s.recorder.Audit(ctx, audit.EventMFASetup, s.userFields(user))
	return secret, nil
}

// VerifyMFA enables MFA once a code for the pending secret checks out.
func (s *Service) VerifyMFA(ctx context.Context, p Principal, code string) error {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return ErrMFAAlreadyEnabled
	}
	if user.MFASecret == "" {
		return ErrMFANotSetUp
	}
	if !s.mfa.Verify(user.MFASecret, code, s.now()) {
		s.recorder.Security(ctx, audit.EventInvalidMFACode, s.userFields(user, "phase", "enrolment"))
		return ErrMFACodeRejected
	}
	if err := s.store.EnableMFA(ctx, user.ID, user.MFASecret); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Secret replaced by a concurrent setup.
			return ErrMFANotSetUp
		}
		return err
	}
	s.recorder.Audit(ctx, audit.EventMFAEnabled, s.userFields(user))
	return nil
}

// DisableMFA clears the secret after re-checking the password.
func (s *Service) DisableMFA(ctx context.Context, p Principal, password string) error {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(ctx, user.PasswordHash, password) {
		return ErrPasswordMismatch
	}
	if err := s.store.DisableMFA(ctx, user.ID); err != nil {
		return err
	}
	s.recorder.Audit(ctx, audit.EventMFADisabled, s.userFields(user))
	return nil
}

func (s *Service) session(ctx context.Context, user User, t tenant.Tenant, accessTTL time.Duration) (Session, error) {
	roles, perms, err := s.grants(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	p := NewPrincipal(user, roles, perms)
	sub := subjectOf(p)
	sub.SessionID = uuid.NewString()
	access, ac, err := s.tokens.IssueAccessToken(sub, accessTTL)
	if err != nil {
		return Session{}, err
	}
	refresh, rc, err := s.tokens.IssueRefreshToken(sub, s.refreshTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		User:        user,
		Roles:       p.Roles,
		Permissions: sub.Permissions,
		Tokens: TokenPair{
			AccessToken:      access,
			RefreshToken:     refresh,
			AccessExpiresAt:  ac.ExpiresAt.Time,
			RefreshExpiresAt: rc.ExpiresAt.Time,
		},
		MFASetupRequired: t.Settings.Security.MFARequired && !user.MFAEnabled,
	}, nil
}

func (s *Service) grants(ctx context.Context, userID string) ([]Role, []string, error) {
	roles, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	perms, err := s.store.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return roles, perms, nil
}

func subjectOf(p Principal) Subject {
	return Subject{
		UserID:      p.UserID,
		Email:       p.Email,
		TenantID:    p.TenantID,
		Role:        p.PrimaryRole(),
		Permissions: p.PermissionList(),
	}
}

// lookupTenant accepts an id or a slug.
func (s *Service) lookupTenant(ctx context.Context, key string) (tenant.Tenant, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	t, err := s.store.GetTenant(ctx, key)
	if errors.Is(err, tenant.ErrNotFound) {
		return s.store.GetTenantBySlug(ctx, key)
	}
	return t, err
}

// notify delivers out of band; failures are logged and never fail the flow.
func (s *Service) notify(ctx context.Context, kind string, send func(Notifier) error) {
	if s.notifier == nil {
		return
	}
	if err := send(s.notifier); err != nil {
		obs.Logger().WithError(err).WithField("kind", kind).Error("notification delivery failed")
	}
}

func (s *Service) userFields(u User, kv ...any) map[string]any {
	fields := map[string]any{"user_id": u.ID, "tenant_id": u.TenantID, "email": u.Email}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return fields
}

// normalize trims the profile fields and checks those that need no tenant.
func (in *RegisterInput) normalize() error {
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	verr := &ValidationError{}
	if !strings.Contains(in.Email, "@") {
		verr.Add("email", "valid email is required")
	}
	if in.FirstName == "" {
		verr.Add("firstName", "first name is required")
	}
	if in.LastName == "" {
		verr.Add("lastName", "last name is required")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func checkPassword(t tenant.Tenant, password string) error {
	policy := t.Settings.Security.PasswordPolicy
	if policy.MinLength == 0 {
		policy = tenant.DefaultSettings().Security.PasswordPolicy
	}
	if problems := policy.Check(password); len(problems) > 0 {
		return &ValidationError{Fields: map[string][]string{"password": problems}}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
