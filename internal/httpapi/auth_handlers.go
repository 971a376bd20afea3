package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cooperp.org/internal/auth"
	"cooperp.org/internal/tenant"
)

type registerRequest struct {
	TenantID    string `json:"tenantId"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,max=128"`
	FirstName   string `json:"firstName" validate:"required,max=100"`
	LastName    string `json:"lastName" validate:"required,max=100"`
	Phone       string `json:"phone" validate:"max=32"`
	Designation string `json:"designation" validate:"max=100"`
	Department  string `json:"department" validate:"max=100"`
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	RememberMe bool   `json:"rememberMe"`
	MFACode    string `json:"mfaCode"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,max=128"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,max=128"`
}

type mfaCodeRequest struct {
	Token string `json:"token" validate:"required,len=6,numeric"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"required"`
}

func (a *API) authRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimit(a.authLimiter, "auth"))
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/forgot-password", a.handleForgotPassword)
		r.Post("/reset-password", a.handleResetPassword)
		r.Post("/resend-verification", a.handleResendVerification)
	})
	r.Post("/verify-email", a.handleVerifyEmail)
	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Post("/logout", a.handleLogout)
		r.Post("/change-password", a.handleChangePassword)
		r.Get("/profile", a.handleProfile)
		r.Post("/mfa/setup", a.handleMFASetup)
		r.Post("/mfa/verify", a.handleMFAVerify)
		r.Post("/mfa/disable", a.handleMFADisable)
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.bind(w, r, &req) {
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		if tc, ok := tenant.FromContext(r.Context()); ok {
			tenantID = tc.ID
		}
	}
	sess, err := a.auth.Register(r.Context(), auth.RegisterInput{
		TenantID:    tenantID,
		Email:       req.Email,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Phone:       req.Phone,
		Designation: req.Designation,
		Department:  req.Department,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	setTokenCookie(w, r, sess.Tokens)
	writeData(w, http.StatusCreated, "User registered successfully", sess)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.bind(w, r, &req) {
		return
	}
	sess, err := a.auth.Login(r.Context(), auth.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		MFACode:    req.MFACode,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	setTokenCookie(w, r, sess.Tokens)
	writeData(w, http.StatusOK, "Login successful", sess)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.bind(w, r, &req) {
		return
	}
	sess, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	setTokenCookie(w, r, sess.Tokens)
	writeData(w, http.StatusOK, "Token refreshed successfully", sess.Tokens)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !a.bind(w, r, &req) {
		return
	}
	if err := a.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "If the email exists, a password reset link has been sent", nil)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !a.bind(w, r, &req) {
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Password reset successful", nil)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !a.bind(w, r, &req) {
		return
	}
	u, err := a.auth.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Email verified successfully", map[string]any{"user": u})
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !a.bind(w, r, &req) {
		return
	}
	if err := a.auth.ResendVerification(r.Context(), req.Email); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "If the account exists and is unverified, a verification email has been sent", nil)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.auth.Logout(r.Context(), p); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	clearTokenCookie(w, r)
	writeData(w, http.StatusOK, "Logout successful", nil)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	sess, err := a.auth.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	setTokenCookie(w, r, sess.Tokens)
	writeData(w, http.StatusOK, "Password changed successfully", sess)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	profile, err := a.auth.Profile(r.Context(), p)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Profile retrieved successfully", profile)
}

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	secret, err := a.auth.SetupMFA(r.Context(), p)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "MFA setup initiated", secret)
}

func (a *API) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.auth.VerifyMFA(r.Context(), p, req.Token); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "MFA enabled successfully", nil)
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !a.bind(w, r, &req) {
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.auth.DisableMFA(r.Context(), p, req.Password); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "MFA disabled successfully", nil)
}

func setTokenCookie(w http.ResponseWriter, r *http.Request, tokens auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    tokens.AccessToken,
		Path:     "/",
		Expires:  tokens.AccessExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearTokenCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}
