package auth

import (
	"regexp"
	"strings"
)

// Permission slugs checked by the HTTP surface.
const (
	PermUsersRead         = "identity.users.read"
	PermUsersCreate       = "identity.users.create"
	PermUsersUpdate       = "identity.users.update"
	PermUsersDelete       = "identity.users.delete"
	PermRolesRead         = "identity.roles.read"
	PermRolesCreate       = "identity.roles.create"
	PermRolesUpdate       = "identity.roles.update"
	PermRolesDelete       = "identity.roles.delete"
	PermRolesAssign       = "identity.roles.assign"
	PermPermissionsRead   = "identity.permissions.read"
	PermPermissionsCreate = "identity.permissions.create"
	PermSettingsRead      = "tenancy.settings.read"
	PermSettingsUpdate    = "tenancy.settings.update"
	PermAuditRead         = "audit.events.read"
)

// ERP modules whose records are guarded by CRUD permissions.
var recordModules = []string{"projects", "payroll", "accounting", "assets", "dividends"}

var crud = []string{"read", "create", "update", "delete"}

// BuiltinPermissions is the system catalog seeded at startup.
var BuiltinPermissions = builtinCatalog()

func builtinCatalog() []Permission {
	var out []Permission
	add := func(module, resource, action string, level int) {
		out = append(out, Permission{
			Module:   module,
			Resource: resource,
			Action:   action,
			Slug:     PermissionSlug(module, resource, action),
			Name:     strings.ToUpper(action[:1]) + action[1:] + " " + module + " " + resource,
			Type:     PermissionTypeSystem,
			Level:    level,
			IsActive: true,
		})
	}
	for _, a := range crud {
		add("identity", "users", a, 80)
	}
	for _, a := range append(crud, "assign") {
		add("identity", "roles", a, 80)
	}
	add("identity", "permissions", "read", 50)
	add("identity", "permissions", "create", 100)
	add("tenancy", "settings", "read", 50)
	add("tenancy", "settings", "update", 90)
	add("audit", "events", "read", 80)
	for _, m := range recordModules {
		for _, a := range crud {
			level := 10
			if a != "read" {
				level = 50
			}
			add(m, "records", a, level)
		}
	}
	return out
}

// managerPermissions are granted to the seeded manager role.
func managerPermissions() []string {
	out := []string{PermUsersRead, PermRolesRead, PermPermissionsRead, PermSettingsRead}
	for _, m := range recordModules {
		for _, a := range crud {
			out = append(out, PermissionSlug(m, "records", a))
		}
	}
	return out
}

// memberPermissions are granted to the seeded default role.
func memberPermissions() []string {
	out := make([]string, 0, len(recordModules))
	for _, m := range recordModules {
		out = append(out, PermissionSlug(m, "records", "read"))
	}
	return out
}

var (
	roleSlugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
	slugPart        = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// RoleSlug lowercases name, turns runs of other characters into "_" and
// trims them from both ends.
func RoleSlug(name string) string {
	s := roleSlugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	return strings.Trim(s, "_")
}

// PermissionSlug is module.resource.action.
func PermissionSlug(module, resource, action string) string {
	return module + "." + resource + "." + action
}

// ValidSlugPart reports whether s may be a module, resource or action.
func ValidSlugPart(s string) bool { return slugPart.MatchString(s) }

// DiffPermissionSets splits desired against the currently active set into
// ids to grant and ids to revoke. Ids in both are untouched. Output order
// follows the inputs.
func DiffPermissionSets(active, desired []string) (grant, revoke []string) {
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}
	have := make(map[string]struct{}, len(active))
	for _, id := range active {
		have[id] = struct{}{}
		if _, ok := want[id]; !ok {
			revoke = append(revoke, id)
		}
	}
	seen := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := have[id]; !ok {
			grant = append(grant, id)
		}
	}
	return grant, revoke
}
