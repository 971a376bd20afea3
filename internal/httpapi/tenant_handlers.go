package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"cooperp.org/internal/auth"
	"cooperp.org/internal/tenant"
)

type onboardAdmin struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,max=128"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Phone     string `json:"phone" validate:"max=32"`
}

type onboardRequest struct {
	Name         string       `json:"name" validate:"required,max=200"`
	Slug         string       `json:"slug" validate:"max=64"`
	Type         string       `json:"type"`
	ContactEmail string       `json:"contactEmail" validate:"omitempty,email"`
	Plan         string       `json:"plan" validate:"max=50"`
	Admin        onboardAdmin `json:"admin" validate:"required"`
}

type tenantUpdateRequest struct {
	Name               *string                    `json:"name"`
	Settings           *tenant.Settings           `json:"settings"`
	Features           map[string]bool            `json:"features"`
	Quotas             *tenant.Quotas             `json:"quotas"`
	SubscriptionStatus *tenant.SubscriptionStatus `json:"subscriptionStatus"`
}

func (a *API) tenantRoutes(r chi.Router) {
	r.Get("/tenants/current", a.handleCurrentTenant)
	r.Patch("/tenants/current/settings", a.handleUpdateTenant)
	r.Delete("/tenants/{tenantID}", a.handleDeactivateTenant)
}

func (a *API) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if !a.bind(w, r, &req) {
		return
	}
	ob, err := a.auth.OnboardTenant(r.Context(), auth.OnboardInput{
		Name:         req.Name,
		Slug:         req.Slug,
		Type:         tenant.Type(req.Type),
		ContactEmail: req.ContactEmail,
		Plan:         req.Plan,
		Admin: auth.RegisterInput{
			Email:     req.Admin.Email,
			Password:  req.Admin.Password,
			FirstName: req.Admin.FirstName,
			LastName:  req.Admin.LastName,
			Phone:     req.Admin.Phone,
		},
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	setTokenCookie(w, r, ob.Session.Tokens)
	writeData(w, http.StatusCreated, "Tenant registered successfully", ob)
}

func (a *API) handleCurrentTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, auth.Requirement{})
	if !ok {
		return
	}
	t, err := a.auth.CurrentTenant(r.Context(), scopeTenant(r, p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Tenant retrieved successfully", t)
}

func (a *API) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := a.authorize(w, r, auth.Requirement{Permission: auth.PermSettingsUpdate})
	if !ok {
		return
	}
	var req tenantUpdateRequest
	if !a.bind(w, r, &req) {
		return
	}
	// Billing fields belong to the platform operator.
	if (req.Quotas != nil || req.SubscriptionStatus != nil) && !a.authz.IsOverride(p) {
		a.writeServiceError(w, r, auth.ErrInsufficientRole)
		return
	}
	t, err := a.auth.UpdateTenant(r.Context(), scopeTenant(r, p), tenant.Update{
		Name:               req.Name,
		Settings:           req.Settings,
		Features:           req.Features,
		Quotas:             req.Quotas,
		SubscriptionStatus: req.SubscriptionStatus,
		UpdatedBy:          p.UserID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Tenant settings updated successfully", t)
}

func (a *API) handleDeactivateTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || !a.authz.IsOverride(p) {
		a.writeServiceError(w, r, auth.ErrInsufficientRole)
		return
	}
	if err := a.auth.DeactivateTenant(r.Context(), chi.URLParam(r, "tenantID"), p.UserID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Tenant deactivated successfully", nil)
}
