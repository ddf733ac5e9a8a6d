package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_Admin(t *testing.T) {
	t.Parallel()

	for _, role := range []string{"admin_role_1", "admin_role_42", "admin"} {
		ps := Resolve(role)
		require.Equal(t, "Administrator", ps.Role, role)
		require.Equal(t, []string{"full_access", "manage_users", "view_reports"}, ps.Permissions)
		require.NotNil(t, ps.Enabled)
		require.True(t, *ps.Enabled)
		require.Empty(t, ps.Status)
	}
}

func TestResolve_User(t *testing.T) {
	t.Parallel()

	for _, role := range []string{"user", "", "analyst", "xadmin"} {
		ps := Resolve(role)
		require.Equal(t, "User", ps.Role, role)
		require.Equal(t, []string{"query_data", "view_own_history"}, ps.Permissions)
		require.Equal(t, "active", ps.Status)
		require.Nil(t, ps.Enabled)
	}
}

func TestResolve_Pure(t *testing.T) {
	t.Parallel()

	a := Resolve("admin_role_3")
	a.Permissions[0] = "mutated"
	b := Resolve("admin_role_3")
	require.Equal(t, "full_access", b.Permissions[0])
	require.Equal(t, Resolve("user"), Resolve("user"))
}
