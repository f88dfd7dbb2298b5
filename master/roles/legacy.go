package roles

import (
	"encoding/json"

	"github.com/stellardb/stellardb/master/meta"
)

// Legacy payload kinds from before roles and users were unified. They
// are still decodable so old on-disk states load, and the startup
// upgrader folds them into RolesMetadata on first contact.
const (
	LegacyUsersKind           = "users"
	LegacyUsersPrivilegesKind = "users_privileges"
)

func init() {
	meta.RegisterCustom(LegacyUsersKind, func(raw []byte) (meta.Custom, error) {
		m := &UsersMetadata{}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, err
		}
		return m, nil
	})
	meta.RegisterCustom(LegacyUsersPrivilegesKind, func(raw []byte) (meta.Custom, error) {
		m := &UsersPrivilegesMetadata{}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, err
		}
		return m, nil
	})
}

type (
	// UsersMetadata maps user name to the optional authentication
	// secret.
	UsersMetadata struct {
		Users map[string]string `json:"users"`
	}

	// UsersPrivilegesMetadata keeps the pre-roles privilege sets per
	// user name.
	UsersPrivilegesMetadata struct {
		Privileges map[string][]Privilege `json:"privileges"`
	}
)

func (m *UsersMetadata) Kind() string { return LegacyUsersKind }

func (m *UsersMetadata) Equal(other meta.Custom) bool {
	o, ok := other.(*UsersMetadata)
	if !ok || len(m.Users) != len(o.Users) {
		return false
	}
	for name, secret := range m.Users {
		os, ok := o.Users[name]
		if !ok || os != secret {
			return false
		}
	}
	return true
}

func (m *UsersPrivilegesMetadata) Kind() string { return LegacyUsersPrivilegesKind }

func (m *UsersPrivilegesMetadata) Equal(other meta.Custom) bool {
	o, ok := other.(*UsersPrivilegesMetadata)
	if !ok || len(m.Privileges) != len(o.Privileges) {
		return false
	}
	for name, ps := range m.Privileges {
		ops, ok := o.Privileges[name]
		if !ok || len(ops) != len(ps) {
			return false
		}
		held := make(map[Privilege]struct{}, len(ops))
		for _, p := range ops {
			held[p] = struct{}{}
		}
		for _, p := range ps {
			if _, ok := held[p]; !ok {
				return false
			}
		}
	}
	return true
}

// RolesFrom merges the legacy users and privileges payloads with an
// existing roles payload. Existing role entries win over migrated
// users of the same name. The result is a fresh snapshot, inputs stay
// untouched.
func RolesFrom(users *UsersMetadata, privileges *UsersPrivilegesMetadata, existing *RolesMetadata) *RolesMetadata {
	result := NewRolesMetadata()

	if users != nil {
		for name, secret := range users.Users {
			role := &Role{Name: name, Secret: secret, IsUser: true}
			if privileges != nil {
				for _, p := range privileges.Privileges[name] {
					role.upsertPrivilege(p)
				}
			}
			result.Roles[name] = role
		}
	}

	if existing != nil {
		for name, role := range existing.Roles {
			result.Roles[name] = role.Clone()
		}
	}

	return result
}

// UpgradeCustoms is the plugin upgrader migrating the legacy payloads
// into RolesMetadata. Idempotent, once the legacy kinds are gone the
// input comes back unchanged.
func UpgradeCustoms(customs map[string]meta.Custom) map[string]meta.Custom {
	legacyUsers, _ := customs[LegacyUsersKind].(*UsersMetadata)
	legacyPrivileges, _ := customs[LegacyUsersPrivilegesKind].(*UsersPrivilegesMetadata)
	if legacyUsers == nil && legacyPrivileges == nil {
		return customs
	}

	existing, _ := customs[Kind].(*RolesMetadata)

	result := make(map[string]meta.Custom, len(customs))
	for kind, c := range customs {
		result[kind] = c
	}
	delete(result, LegacyUsersKind)
	delete(result, LegacyUsersPrivilegesKind)
	result[Kind] = RolesFrom(legacyUsers, legacyPrivileges, existing)
	return result
}
