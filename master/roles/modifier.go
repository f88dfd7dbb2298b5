package roles

import (
	"github.com/stellardb/stellardb/master/meta"
)

// The functions in this file are pure transforms over a RolesMetadata
// snapshot. They never mutate their input, the update task executor
// decides from structural equality whether anything has to be
// committed.

// ApplyPrivileges applies every change to every named role and
// returns the resulting snapshot plus the number of effective
// privilege transitions. A GRANT or DENY replaces whatever resident
// entry holds the same (type, clazz, ident) slot and records the
// incoming grantor. A REVOKE clears the slot no matter which grantor
// installed it and is a silent no-op on an empty slot.
//
// A GRANT or DENY for an unknown role name creates the role entry on
// the fly. A REVOKE for an unknown role name is skipped.
func ApplyPrivileges(roles *RolesMetadata, roleNames []string, changes []Privilege) (*RolesMetadata, int) {
	result := roles.Clone()
	affected := 0

	for _, name := range roleNames {
		role := result.Roles[name]

		for _, change := range changes {
			switch change.State {
			case StateGrant, StateDeny:
				if role == nil {
					role = &Role{Name: name}
					result.Roles[name] = role
				}
				if role.upsertPrivilege(change) {
					affected++
				}
			case StateRevoke:
				if role == nil {
					continue
				}
				if role.removePrivilege(change.Key()) {
					affected++
				}
			}
		}
	}

	if affected == 0 {
		return roles, 0
	}
	return result, affected
}

// MaybeCopyAndReplaceTableIdents moves every table and view scoped
// privilege from oldIdent to newIdent, used on table rename. Returns
// nil when no role held a privilege on oldIdent.
func MaybeCopyAndReplaceTableIdents(roles *RolesMetadata, oldIdent, newIdent string) *RolesMetadata {
	result := roles.Clone()
	changed := false

	for _, role := range result.Roles {
		for i := range role.Privileges {
			p := role.Privileges[i]
			if !scopedToObject(p, oldIdent) {
				continue
			}
			p.Ident = newIdent
			role.Privileges[i] = p
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return result
}

// DropTableOrViewPrivileges removes every privilege scoped to the
// dropped table or view across all roles and writes the updated
// payload back into the builder. Returns the number of removed
// entries. This is the only side-effecting function in the group, it
// runs inline in the larger DROP TABLE/VIEW metadata rewrite.
func DropTableOrViewPrivileges(b *meta.Builder, roles *RolesMetadata, ident string) int {
	result := roles.Clone()
	affected := 0

	for _, role := range result.Roles {
		kept := role.Privileges[:0]
		for _, p := range role.Privileges {
			if scopedToObject(p, ident) {
				affected++
				continue
			}
			kept = append(kept, p)
		}
		role.Privileges = kept
	}

	if affected > 0 {
		b.PutCustom(result)
	}
	return affected
}

// DropRole removes the named role and every membership grant that
// referenced it. Reports whether the role existed at all. Ownership
// checks against replication metadata happen before this transform is
// ever submitted.
func DropRole(roles *RolesMetadata, name string) (*RolesMetadata, bool) {
	if _, ok := roles.Roles[name]; !ok {
		return roles, false
	}

	result := roles.Clone()
	delete(result.Roles, name)
	for _, role := range result.Roles {
		kept := role.GrantedRoles[:0]
		for _, g := range role.GrantedRoles {
			if g.Role == name {
				continue
			}
			kept = append(kept, g)
		}
		role.GrantedRoles = kept
	}
	return result, true
}

func scopedToObject(p Privilege, ident string) bool {
	return (p.Clazz == ClazzTable || p.Clazz == ClazzView) && p.Ident == ident
}
