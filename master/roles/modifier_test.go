package roles

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellardb/stellardb/master/meta"
)

func grantDQL(grantor string) Privilege {
	return Privilege{State: StateGrant, Type: TypeDQL, Clazz: ClazzCluster, Grantor: grantor}
}

func grantDML(grantor string) Privilege {
	return Privilege{State: StateGrant, Type: TypeDML, Clazz: ClazzCluster, Grantor: grantor}
}

func revoke(p Privilege) Privilege {
	p.State = StateRevoke
	return p
}

func rolesWith(t *testing.T, names ...string) *RolesMetadata {
	md := NewRolesMetadata()
	for _, name := range names {
		md.Roles[name] = &Role{Name: name, IsUser: true}
	}
	return md
}

func TestApplyPrivilegesGrant(t *testing.T) {
	md := rolesWith(t, "arthur")

	updated, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{
		grantDQL("admin"), grantDML("admin"),
	})
	require.Equal(t, 2, affected)
	require.Len(t, updated.Roles["arthur"].Privileges, 2)

	// input stays untouched
	require.Empty(t, md.Roles["arthur"].Privileges)
}

func TestApplyPrivilegesRevokeLeavesOthers(t *testing.T) {
	md := rolesWith(t, "arthur")
	md, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{
		grantDQL("admin"), grantDML("admin"),
	})
	require.Equal(t, 2, affected)

	updated, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{
		revoke(grantDML("admin")),
	})
	require.Equal(t, 1, affected)

	arthur := updated.Roles["arthur"]
	require.Len(t, arthur.Privileges, 1)
	p, ok := arthur.Privilege(grantDQL("admin").Key())
	require.True(t, ok)
	require.Equal(t, StateGrant, p.State)
	require.Equal(t, TypeDQL, p.Type)
}

func TestApplyPrivilegesRevokeIgnoresGrantor(t *testing.T) {
	md := rolesWith(t, "arthur")
	md, _ = ApplyPrivileges(md, []string{"arthur"}, []Privilege{grantDQL("admin")})

	// same slot, different grantor
	updated, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{
		revoke(grantDQL("someoneelse")),
	})
	require.Equal(t, 1, affected)
	require.Empty(t, updated.Roles["arthur"].Privileges)
}

func TestApplyPrivilegesGrantThenRevokeIsAbsent(t *testing.T) {
	md := rolesWith(t, "arthur")

	updated, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{
		grantDQL("admin"), revoke(grantDQL("admin")),
	})
	require.Equal(t, 2, affected)
	require.Empty(t, updated.Roles["arthur"].Privileges)
}

func TestApplyPrivilegesDenyReplacesGrant(t *testing.T) {
	md := rolesWith(t, "arthur")
	md, _ = ApplyPrivileges(md, []string{"arthur"}, []Privilege{grantDQL("admin")})

	deny := grantDQL("admin")
	deny.State = StateDeny
	updated, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{deny})
	require.Equal(t, 1, affected)

	p, ok := updated.Roles["arthur"].Privilege(deny.Key())
	require.True(t, ok)
	require.Equal(t, StateDeny, p.State)
}

func TestApplyPrivilegesIdempotentGrant(t *testing.T) {
	md := rolesWith(t, "arthur")
	md, _ = ApplyPrivileges(md, []string{"arthur"}, []Privilege{grantDQL("admin")})

	same, affected := ApplyPrivileges(md, []string{"arthur"}, []Privilege{grantDQL("admin")})
	require.Equal(t, 0, affected)
	// zero affected returns the input snapshot itself
	require.Same(t, md, same)
}

func TestApplyPrivilegesDenyCreatesUnknownRole(t *testing.T) {
	md := rolesWith(t, "arthur")

	deny := Privilege{State: StateDeny, Type: TypeDQL, Clazz: ClazzCluster, Grantor: "admin"}
	updated, affected := ApplyPrivileges(md, []string{"ford"}, []Privilege{deny})
	require.Equal(t, 1, affected)
	require.Contains(t, updated.Roles, "ford")
	require.Len(t, updated.Roles["ford"].Privileges, 1)
}

func TestApplyPrivilegesRevokeSkipsUnknownRole(t *testing.T) {
	md := rolesWith(t, "arthur")

	updated, affected := ApplyPrivileges(md, []string{"ford"}, []Privilege{
		revoke(grantDQL("admin")),
	})
	require.Equal(t, 0, affected)
	require.Same(t, md, updated)
	require.NotContains(t, md.Roles, "ford")
}

func TestApplyPrivilegesMultipleRoles(t *testing.T) {
	md := rolesWith(t, "arthur", "ford")

	updated, affected := ApplyPrivileges(md, []string{"arthur", "ford"}, []Privilege{grantDQL("admin")})
	require.Equal(t, 2, affected)
	require.Len(t, updated.Roles["arthur"].Privileges, 1)
	require.Len(t, updated.Roles["ford"].Privileges, 1)
}

func TestTransferTableIdents(t *testing.T) {
	tablePriv := Privilege{
		State: StateGrant, Type: TypeDQL, Clazz: ClazzTable,
		Ident: "testSchema.test", Grantor: "admin",
	}
	md := rolesWith(t, "arthur")
	md, _ = ApplyPrivileges(md, []string{"arthur"}, []Privilege{tablePriv, grantDML("admin")})

	updated := MaybeCopyAndReplaceTableIdents(md, "testSchema.test", "testSchema.testing")
	require.NotNil(t, updated)

	moved := tablePriv
	moved.Ident = "testSchema.testing"
	_, ok := updated.Roles["arthur"].Privilege(moved.Key())
	require.True(t, ok)
	_, ok = updated.Roles["arthur"].Privilege(tablePriv.Key())
	require.False(t, ok)

	// cluster scoped entry untouched
	_, ok = updated.Roles["arthur"].Privilege(grantDML("admin").Key())
	require.True(t, ok)
}

func TestTransferTableIdentsNoMatch(t *testing.T) {
	md := rolesWith(t, "arthur")
	md, _ = ApplyPrivileges(md, []string{"arthur"}, []Privilege{grantDQL("admin")})

	require.Nil(t, MaybeCopyAndReplaceTableIdents(md, "testSchema.test", "testSchema.testing"))
}

func TestDropTableOrViewPrivileges(t *testing.T) {
	tablePriv := Privilege{
		State: StateGrant, Type: TypeDQL, Clazz: ClazzTable,
		Ident: "testSchema.test", Grantor: "admin",
	}
	viewPriv := Privilege{
		State: StateGrant, Type: TypeDQL, Clazz: ClazzView,
		Ident: "testSchema.test", Grantor: "admin",
	}
	md := rolesWith(t, "arthur", "ford")
	md, _ = ApplyPrivileges(md, []string{"arthur"}, []Privilege{tablePriv, grantDQL("admin")})
	md, _ = ApplyPrivileges(md, []string{"ford"}, []Privilege{viewPriv})

	b := meta.NewBuilder(nil)
	affected := DropTableOrViewPrivileges(b, md, "testSchema.test")
	require.Equal(t, 2, affected)

	updated := b.GetCustom(Kind).(*RolesMetadata)
	require.Len(t, updated.Roles["arthur"].Privileges, 1)
	require.Empty(t, updated.Roles["ford"].Privileges)
}

func TestDropRoleCleansMemberships(t *testing.T) {
	md := rolesWith(t, "arthur", "ford")
	md.Roles["ford"].GrantedRoles = []GrantedRole{{Role: "arthur", Grantor: "admin"}}

	updated, existed := DropRole(md, "arthur")
	require.True(t, existed)
	require.NotContains(t, updated.Roles, "arthur")
	require.Empty(t, updated.Roles["ford"].GrantedRoles)

	same, existed := DropRole(updated, "arthur")
	require.False(t, existed)
	require.Same(t, updated, same)
}
