// Package permission derives the capability listing shown to clients from a role tag.
package permission

import "github.com/and161185/sqlchat-gateway/internal/model"

// Resolve maps a role to its permission set. It is pure: no storage, no shared state.
func Resolve(role string) model.PermissionSet {
	switch model.ClassOfRole(role) {
	case model.AccountAdmin:
		enabled := true
		return model.PermissionSet{
			Role:        "Administrator",
			Permissions: []string{"full_access", "manage_users", "view_reports"},
			Enabled:     &enabled,
		}
	default:
		return model.PermissionSet{
			Role:        "User",
			Permissions: []string{"query_data", "view_own_history"},
			Status:      "active",
		}
	}
}
