package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"cooperp.org/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Slug        string `json:"slug" validate:"max=100"`
	Description string `json:"description" validate:"max=500"`
	Level       int    `json:"level" validate:"gte=0,lte=100"`
	IsDefault   bool   `json:"isDefault"`
}

type updateRoleRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=100"`
	Slug        *string `json:"slug" validate:"omitempty,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Level       *int    `json:"level" validate:"omitempty,gte=0,lte=100"`
	IsDefault   *bool   `json:"isDefault"`
}

type syncPermissionsRequest struct {
	PermissionIDs []string `json:"permissionIds" validate:"required,dive,required"`
}

type grantRequest struct {
	Conditions map[string]any `json:"conditions"`
}

type createPermissionRequest struct {
	Module      string `json:"module" validate:"required,max=50"`
	Resource    string `json:"resource" validate:"required,max=50"`
	Action      string `json:"action" validate:"required,max=50"`
	Name        string `json:"name" validate:"max=100"`
	Description string `json:"description" validate:"max=500"`
	Level       int    `json:"level" validate:"gte=0,lte=100"`
}

type assignRoleRequest struct {
	RoleID string `json:"roleId" validate:"required"`
}

func (a *API) graphRoutes(r chi.Router) {
	r.Route("/roles", func(r chi.Router) {
		r.Get("/", a.handleListRoles)
		r.Post("/", a.handleCreateRole)
		r.Route("/{roleID}", func(r chi.Router) {
			r.Get("/", a.handleGetRole)
			r.Patch("/", a.handleUpdateRole)
			r.Delete("/", a.handleDeactivateRole)
			r.Get("/permissions", a.handleRolePermissions)
			r.Put("/permissions", a.handleSyncPermissions)
			r.Post("/permissions/{permissionID}", a.handleGrant)
			r.Delete("/permissions/{permissionID}", a.handleRevoke)
		})
	})
	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", a.handleListPermissions)
		r.Post("/", a.handleCreatePermission)
	})
	r.Route("/users", func(r chi.Router) {
		r.Get("/", a.handleListUsers)
		r.Route("/{userID}", func(r chi.Router) {
			r.Delete("/", a.handleDeactivateUser)
			r.Get("/roles", a.handleUserRoles)
			r.Post("/roles", a.handleAssignRole)
			r.Delete("/roles/{roleID}", a.handleRevokeRole)
			r.Get("/permissions", a.handleEffectivePermissions)
		})
	})
}

// guard authorizes a permission inside the request's tenant and returns the
// principal with the tenant the call acts on.
func (a *API) guard(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, string, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrNoToken)
		return auth.Principal{}, "", false
	}
	tenantID := scopeTenant(r, p)
	if _, ok := a.authorize(w, r, auth.Requirement{TenantID: tenantID, Permission: perm}); !ok {
		return auth.Principal{}, "", false
	}
	return p, tenantID, true
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := a.guard(w, r, auth.PermRolesRead)
	if !ok {
		return
	}
	roles, err := a.rbac.ListRoles(r.Context(), tenantID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Roles retrieved successfully", roles)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesCreate)
	if !ok {
		return
	}
	var req createRoleRequest
	if !a.bind(w, r, &req) {
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), auth.RoleInput{
		TenantID:    tenantID,
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Level:       req.Level,
		IsDefault:   req.IsDefault,
		By:          a.authz.Caller(p),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/roles/"+role.ID)
	writeData(w, http.StatusCreated, "Role created successfully", role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := a.guard(w, r, auth.PermRolesRead)
	if !ok {
		return
	}
	role, err := a.rbac.GetRole(r.Context(), tenantID, chi.URLParam(r, "roleID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role retrieved successfully", role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesUpdate)
	if !ok {
		return
	}
	var req updateRoleRequest
	if !a.bind(w, r, &req) {
		return
	}
	role, err := a.rbac.UpdateRole(r.Context(), tenantID, chi.URLParam(r, "roleID"), auth.RoleUpdate{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Level:       req.Level,
		IsDefault:   req.IsDefault,
	}, a.authz.Caller(p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role updated successfully", role)
}

func (a *API) handleDeactivateRole(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesDelete)
	if !ok {
		return
	}
	if err := a.rbac.DeactivateRole(r.Context(), tenantID, chi.URLParam(r, "roleID"), a.authz.Caller(p)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role deactivated successfully", nil)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := a.guard(w, r, auth.PermRolesRead)
	if !ok {
		return
	}
	grants, err := a.rbac.RolePermissions(r.Context(), tenantID, chi.URLParam(r, "roleID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role permissions retrieved successfully", grants)
}

func (a *API) handleSyncPermissions(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesUpdate)
	if !ok {
		return
	}
	var req syncPermissionsRequest
	if !a.bind(w, r, &req) {
		return
	}
	res, err := a.rbac.Sync(r.Context(), tenantID, chi.URLParam(r, "roleID"), req.PermissionIDs, a.authz.Caller(p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role permissions synchronized successfully", res)
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesUpdate)
	if !ok {
		return
	}
	var req grantRequest
	if r.ContentLength != 0 && r.Body != http.NoBody {
		if !a.bind(w, r, &req) {
			return
		}
	}
	edge, err := a.rbac.Grant(r.Context(), tenantID, chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"), a.authz.Caller(p), req.Conditions)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Permission granted successfully", edge)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesUpdate)
	if !ok {
		return
	}
	edge, found, err := a.rbac.Revoke(r.Context(), tenantID, chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"), a.authz.Caller(p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !found {
		a.writeError(w, r, apiError{status: http.StatusNotFound, message: "Permission is not granted to this role"})
		return
	}
	writeData(w, http.StatusOK, "Permission revoked successfully", edge)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := a.guard(w, r, auth.PermPermissionsRead); !ok {
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context(), r.URL.Query().Get("module"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Permissions retrieved successfully", perms)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	p, _, ok := a.guard(w, r, auth.PermPermissionsCreate)
	if !ok {
		return
	}
	var req createPermissionRequest
	if !a.bind(w, r, &req) {
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), auth.PermissionInput{
		Module:      req.Module,
		Resource:    req.Resource,
		Action:      req.Action,
		Name:        req.Name,
		Description: req.Description,
		Level:       req.Level,
	}, a.authz.Caller(p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "Permission created successfully", perm)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := a.guard(w, r, auth.PermUsersRead)
	if !ok {
		return
	}
	users, err := a.rbac.ListUsers(r.Context(), tenantID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Users retrieved successfully", users)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermUsersDelete)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if userID == p.UserID {
		a.badRequest(w, r, "You cannot deactivate your own account")
		return
	}
	if err := a.rbac.DeactivateUser(r.Context(), tenantID, userID, p.UserID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "User deactivated successfully", nil)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := a.guard(w, r, auth.PermRolesRead)
	if !ok {
		return
	}
	roles, err := a.rbac.UserRoles(r.Context(), tenantID, chi.URLParam(r, "userID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "User roles retrieved successfully", roles)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesAssign)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !a.bind(w, r, &req) {
		return
	}
	edge, err := a.rbac.AssignRole(r.Context(), tenantID, chi.URLParam(r, "userID"), req.RoleID, a.authz.Caller(p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Role assigned successfully", edge)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := a.guard(w, r, auth.PermRolesAssign)
	if !ok {
		return
	}
	edge, found, err := a.rbac.RevokeRole(r.Context(), tenantID, chi.URLParam(r, "userID"), chi.URLParam(r, "roleID"), a.authz.Caller(p))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !found {
		a.writeError(w, r, apiError{status: http.StatusNotFound, message: "Role is not assigned to this user"})
		return
	}
	writeData(w, http.StatusOK, "Role revoked successfully", edge)
}

// handleEffectivePermissions lets users read their own permissions; reading
// another user's needs an elevated role.
func (a *API) handleEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.writeServiceError(w, r, auth.ErrNoToken)
		return
	}
	userID := chi.URLParam(r, "userID")
	tenantID := scopeTenant(r, p)
	if _, ok := a.authorize(w, r, auth.Requirement{TenantID: tenantID, OwnerID: userID, OwnershipScoped: true}); !ok {
		return
	}
	perms, err := a.rbac.EffectivePermissions(r.Context(), tenantID, userID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Permissions retrieved successfully", map[string]any{
		"userId":      userID,
		"permissions": perms,
	})
}
