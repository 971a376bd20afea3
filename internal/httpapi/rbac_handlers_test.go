package httpapi

import (
	"net/http"
	"sort"
	"testing"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/tenant"
)

func (c *apiClient) permissionIDs(org onboarded, slugs ...string) []string {
	c.t.Helper()
	resp := c.do(http.MethodGet, "/api/v1/permissions", nil, org.headers())
	if resp.code != http.StatusOK {
		c.t.Fatalf("list permissions: %d %v", resp.code, resp.body)
	}
	bySlug := map[string]string{}
	for _, item := range resp.body["data"].([]any) {
		p := item.(map[string]any)
		bySlug[p["slug"].(string)] = p["id"].(string)
	}
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		id, ok := bySlug[s]
		if !ok {
			c.t.Fatalf("permission %s not in catalog", s)
		}
		out = append(out, id)
	}
	return out
}

func stringsOf(v any) []string {
	var out []string
	for _, item := range v.([]any) {
		out = append(out, item.(string))
	}
	sort.Strings(out)
	return out
}

func TestRoleLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	memberID, memberToken := c.register(org.slug, "ravi@greenvalley.coop")

	created := c.do(http.MethodPost, "/api/v1/roles", map[string]any{
		"name": "Field Officer", "description": "Visits member farms", "level": 40,
	}, org.headers())
	if created.code != http.StatusCreated || created.data()["slug"] != "field_officer" {
		t.Fatalf("create role: %d %v", created.code, created.body)
	}
	roleID := created.data()["id"].(string)
	if created.header.Get("Location") != "/api/v1/roles/"+roleID {
		t.Fatalf("location header: %q", created.header.Get("Location"))
	}
	if dup := c.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "field officer"}, org.headers()); dup.code != http.StatusConflict {
		t.Fatalf("duplicate role: %d %v", dup.code, dup.body)
	}

	// None of these come with the member role.
	perms := c.permissionIDs(org, "assets.records.delete", "assets.records.update", "projects.records.create")
	grant := c.do(http.MethodPost, "/api/v1/roles/"+roleID+"/permissions/"+perms[0], nil, org.headers())
	if grant.code != http.StatusOK || grant.data()["is_active"] == false {
		t.Fatalf("grant: %d %v", grant.code, grant.body)
	}
	if again := c.do(http.MethodPost, "/api/v1/roles/"+roleID+"/permissions/"+perms[0], nil, org.headers()); again.data()["id"] != grant.data()["id"] {
		t.Fatalf("grant is not idempotent: %v vs %v", again.data(), grant.data())
	}

	sync := c.do(http.MethodPut, "/api/v1/roles/"+roleID+"/permissions", map[string]any{
		"permissionIds": []string{perms[1], perms[2]},
	}, org.headers())
	if sync.code != http.StatusOK {
		t.Fatalf("sync: %d %v", sync.code, sync.body)
	}
	if got := stringsOf(sync.data()["revoked"]); len(got) != 1 || got[0] != perms[0] {
		t.Fatalf("sync revoked %v", got)
	}

	assign := c.do(http.MethodPost, "/api/v1/users/"+memberID+"/roles", map[string]any{"roleId": roleID}, org.headers())
	if assign.code != http.StatusOK {
		t.Fatalf("assign: %d %v", assign.code, assign.body)
	}
	own := c.do(http.MethodGet, "/api/v1/users/"+memberID+"/permissions", nil, withBearer(org.slug, memberToken))
	if own.code != http.StatusOK {
		t.Fatalf("own permissions: %d %v", own.code, own.body)
	}
	got := stringsOf(own.data()["permissions"])
	want := map[string]bool{"assets.records.update": false, "projects.records.create": false}
	for _, slug := range got {
		if _, ok := want[slug]; ok {
			want[slug] = true
		}
		if slug == "assets.records.delete" {
			t.Fatalf("revoked permission still effective: %v", got)
		}
	}
	for slug, seen := range want {
		if !seen {
			t.Fatalf("missing %s in %v", slug, got)
		}
	}

	if resp := c.do(http.MethodDelete, "/api/v1/users/"+memberID+"/roles/"+roleID, nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("revoke role: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodDelete, "/api/v1/users/"+memberID+"/roles/"+roleID, nil, org.headers()); resp.code != http.StatusNotFound {
		t.Fatalf("revoke absent role: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodDelete, "/api/v1/roles/"+roleID+"/permissions/"+perms[0], nil, org.headers()); resp.code != http.StatusNotFound {
		t.Fatalf("revoke inactive edge: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodDelete, "/api/v1/roles/"+roleID, nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("deactivate role: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodGet, "/api/v1/roles/"+roleID, nil, org.headers()); resp.code != http.StatusNotFound {
		t.Fatalf("deactivated role still visible: %d", resp.code)
	}
	if !c.events.has(audit.EventPermissionsSynced) || !c.events.has(audit.EventRoleAssigned) {
		t.Fatalf("graph changes not audited")
	}
}

func TestMemberIsForbiddenFromGraphWrites(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	_, memberToken := c.register(org.slug, "ravi@greenvalley.coop")
	member := withBearer(org.slug, memberToken)

	resp := c.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "Sneaky"}, member)
	if resp.code != http.StatusForbidden || resp.message() != "Access denied: missing permission" {
		t.Fatalf("member create role: %d %v", resp.code, resp.body)
	}
	if !c.events.has(audit.EventPermissionDenied) {
		t.Fatalf("denial not recorded")
	}
	other := c.do(http.MethodGet, "/api/v1/users/"+org.userID+"/permissions", nil, member)
	if other.code != http.StatusForbidden || other.message() != "Access denied: resource belongs to another user" {
		t.Fatalf("member reading admin permissions: %d %v", other.code, other.body)
	}
	// Admins hold an elevated role and may read anyone's permissions.
	if resp := c.do(http.MethodGet, "/api/v1/users/"+org.userID+"/permissions", nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("admin reading permissions: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodDelete, "/api/v1/tenants/"+org.tenantID, nil, org.headers()); resp.code != http.StatusForbidden {
		t.Fatalf("tenant admin deleting tenant: %d %v", resp.code, resp.body)
	}
}

func TestCreatePermissionAndDeactivateUser(t *testing.T) {
	c := newTestAPI(t)
	platform := c.onboard("Platform Operations", "ops@cooperp.org")
	c.promote(platform)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	memberID, memberToken := c.register(org.slug, "ravi@greenvalley.coop")

	body := map[string]any{"module": "Inventory", "resource": "stock", "action": "adjust"}
	// The catalog is shared, so tenant admins may not extend it.
	if resp := c.do(http.MethodPost, "/api/v1/permissions", body, org.headers()); resp.code != http.StatusForbidden {
		t.Fatalf("tenant admin wrote the catalog: %d %v", resp.code, resp.body)
	}
	perm := c.do(http.MethodPost, "/api/v1/permissions", body, platform.headers())
	if perm.code != http.StatusCreated || perm.data()["slug"] != "inventory.stock.adjust" {
		t.Fatalf("create permission: %d %v", perm.code, perm.body)
	}
	filtered := c.do(http.MethodGet, "/api/v1/permissions?module=inventory", nil, org.headers())
	if items := filtered.body["data"].([]any); len(items) != 1 {
		t.Fatalf("module filter returned %d items", len(items))
	}

	if self := c.do(http.MethodDelete, "/api/v1/users/"+org.userID, nil, org.headers()); self.code != http.StatusBadRequest {
		t.Fatalf("self deactivation: %d %v", self.code, self.body)
	}
	if resp := c.do(http.MethodDelete, "/api/v1/users/"+memberID, nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("deactivate user: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodGet, "/api/v1/auth/profile", nil, withBearer(org.slug, memberToken)); resp.code != http.StatusUnauthorized {
		t.Fatalf("deactivated user token accepted: %d", resp.code)
	}
	roles := c.do(http.MethodGet, "/api/v1/users/"+memberID+"/roles", nil, org.headers())
	if roles.code != http.StatusNotFound {
		t.Fatalf("roles of deactivated user: %d %v", roles.code, roles.body)
	}
}

func TestTenantEndpoints(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	cur := c.do(http.MethodGet, "/api/v1/tenants/current", nil, org.headers())
	if cur.code != http.StatusOK || cur.data()["slug"] != org.slug || cur.data()["subscription_status"] != "trial" {
		t.Fatalf("current tenant: %d %v", cur.code, cur.body)
	}
	name := "Green Valley Farmers Cooperative"
	upd := c.do(http.MethodPatch, "/api/v1/tenants/current/settings", map[string]any{"name": name}, org.headers())
	if upd.code != http.StatusOK || upd.data()["name"] != name {
		t.Fatalf("rename: %d %v", upd.code, upd.body)
	}
	billing := c.do(http.MethodPatch, "/api/v1/tenants/current/settings", map[string]any{"subscriptionStatus": "active"}, org.headers())
	if billing.code != http.StatusForbidden {
		t.Fatalf("tenant admin changed subscription: %d %v", billing.code, billing.body)
	}
	if !c.events.has(audit.EventTenantUpdated) {
		t.Fatalf("tenant update not audited")
	}

	dupe := c.do(http.MethodPost, "/api/v1/tenants/register", map[string]any{
		"name": "Green Valley Cooperative", "slug": org.slug,
		"admin": map[string]any{"email": "x@y.coop", "password": "Admin12345!", "firstName": "X", "lastName": "Y"},
	}, nil)
	if dupe.code != http.StatusConflict {
		t.Fatalf("duplicate slug: %d %v", dupe.code, dupe.body)
	}
}

// promote makes the tenant's first admin a super_admin directly in the store,
// the way operators bootstrap the platform tenant.
func (c *apiClient) promote(o onboarded) {
	c.t.Helper()
	ctx := c.t.Context()
	role, err := c.store.CreateRole(ctx, auth.Role{
		TenantID: o.tenantID, Name: "Super Admin", Slug: "super_admin",
		Level: 100, Type: auth.RoleTypeSystem, IsActive: true,
	})
	if err != nil {
		c.t.Fatalf("create super admin role: %v", err)
	}
	if _, err := c.store.AssignRole(ctx, auth.Assignment{UserID: o.userID, RoleID: role.ID}); err != nil {
		c.t.Fatalf("assign super admin: %v", err)
	}
}

func TestOverrideRoleDeactivatesTenant(t *testing.T) {
	c := newTestAPI(t)
	platform := c.onboard("Platform Operations", "ops@cooperp.org")
	c.promote(platform)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	resp := c.do(http.MethodDelete, "/api/v1/tenants/"+org.tenantID, nil, platform.headers())
	if resp.code != http.StatusOK {
		t.Fatalf("deactivate tenant: %d %v", resp.code, resp.body)
	}
	after := c.do(http.MethodGet, "/api/v1/auth/profile", nil, org.headers())
	if after.code != http.StatusNotFound && after.code != http.StatusForbidden {
		t.Fatalf("deactivated tenant still reachable: %d %v", after.code, after.body)
	}
	if !c.events.has(audit.EventTenantDeactivated) {
		t.Fatalf("deactivation not audited")
	}
}

func TestTenantAdminCannotEscalate(t *testing.T) {
	c := newTestAPI(t)
	rogue := c.onboard("Rogue Cooperative", "admin@rogue.coop")
	victim := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")

	reserved := c.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "Platform", "slug": "super_admin", "level": 50}, rogue.headers())
	if reserved.code != http.StatusForbidden || reserved.message() != "Access denied: reserved role" {
		t.Fatalf("reserved slug: %d %v", reserved.code, reserved.body)
	}
	high := c.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "Overlord", "level": 95}, rogue.headers())
	if high.code != http.StatusForbidden || high.message() != "Access denied: role level must be below your own" {
		t.Fatalf("role above own level: %d %v", high.code, high.body)
	}

	low := c.do(http.MethodPost, "/api/v1/roles", map[string]any{"name": "Helper", "level": 40}, rogue.headers())
	if low.code != http.StatusCreated {
		t.Fatalf("role below own level: %d %v", low.code, low.body)
	}
	lowID := low.data()["id"].(string)
	if resp := c.do(http.MethodPatch, "/api/v1/roles/"+lowID, map[string]any{"level": 99}, rogue.headers()); resp.code != http.StatusForbidden {
		t.Fatalf("raising a role past own level: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodPatch, "/api/v1/roles/"+lowID, map[string]any{"slug": "super_admin"}, rogue.headers()); resp.code != http.StatusForbidden {
		t.Fatalf("renaming to a reserved slug: %d %v", resp.code, resp.body)
	}

	var adminRoleID string
	for _, item := range c.do(http.MethodGet, "/api/v1/roles", nil, rogue.headers()).body["data"].([]any) {
		if role := item.(map[string]any); role["slug"] == auth.RoleAdmin {
			adminRoleID = role["id"].(string)
		}
	}
	if resp := c.do(http.MethodPost, "/api/v1/users/"+rogue.userID+"/roles", map[string]any{"roleId": adminRoleID}, rogue.headers()); resp.code != http.StatusForbidden {
		t.Fatalf("assigning a role at own level: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodDelete, "/api/v1/tenants/"+victim.tenantID, nil, rogue.headers()); resp.code != http.StatusForbidden {
		t.Fatalf("deactivating another tenant: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodGet, "/api/v1/auth/profile", nil, victim.headers()); resp.code != http.StatusOK {
		t.Fatalf("victim tenant disturbed: %d %v", resp.code, resp.body)
	}
}

func TestDisabledFeatureClosesGraphRoutes(t *testing.T) {
	c := newTestAPI(t)
	org := c.onboard("Green Valley Cooperative", "admin@greenvalley.coop")
	ops := c.onboard("Platform Operations", "ops@cooperp.coop")
	c.promote(ops)

	features := tenant.DefaultFeatures()
	features["user_management"] = false
	resp := c.do(http.MethodPatch, "/api/v1/tenants/current/settings", map[string]any{"features": features}, org.headers())
	if resp.code != http.StatusOK {
		t.Fatalf("switch off: %d %v", resp.code, resp.body)
	}

	for _, path := range []string{"/api/v1/users", "/api/v1/roles", "/api/v1/permissions"} {
		resp := c.do(http.MethodGet, path, nil, org.headers())
		if resp.code != http.StatusForbidden || resp.body["code"] != codeFeatureOff {
			t.Fatalf("%s with feature off: %d %v", path, resp.code, resp.body)
		}
	}
	if !c.events.has(audit.EventFeatureAccessDenied) {
		t.Fatal("missing feature denial event")
	}
	// Tenant routes stay reachable so the flag can be switched back.
	if resp := c.do(http.MethodGet, "/api/v1/tenants/current", nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("tenant route: %d %v", resp.code, resp.body)
	}
	// Platform operators are not bound by tenant flags.
	if resp := c.do(http.MethodGet, "/api/v1/users", nil, withBearer(org.slug, ops.token)); resp.code != http.StatusOK {
		t.Fatalf("override caller: %d %v", resp.code, resp.body)
	}

	features["user_management"] = true
	if resp := c.do(http.MethodPatch, "/api/v1/tenants/current/settings", map[string]any{"features": features}, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("switch on: %d %v", resp.code, resp.body)
	}
	if resp := c.do(http.MethodGet, "/api/v1/users", nil, org.headers()); resp.code != http.StatusOK {
		t.Fatalf("feature back on: %d %v", resp.code, resp.body)
	}
}
