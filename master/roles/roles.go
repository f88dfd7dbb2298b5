package roles

import (
	"encoding/json"

	"github.com/stellardb/stellardb/master/meta"
)

// Kind is the custom metadata key RolesMetadata is stored under.
const Kind = "roles"

func init() {
	meta.RegisterCustom(Kind, func(raw []byte) (meta.Custom, error) {
		m := &RolesMetadata{}
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, err
		}
		return m, nil
	})
}

type (
	// GrantedRole records role membership, who granted which role to
	// the holder.
	GrantedRole struct {
		Role    string `json:"role"`
		Grantor string `json:"grantor"`
	}

	Role struct {
		Name         string        `json:"name"`
		Secret       string        `json:"secret,omitempty"`
		IsUser       bool          `json:"is_user,omitempty"`
		Privileges   []Privilege   `json:"privileges,omitempty"`
		GrantedRoles []GrantedRole `json:"granted_roles,omitempty"`
	}

	// RolesMetadata is the custom payload carrying every role and its
	// resident privileges. Immutable, use Clone before changing.
	RolesMetadata struct {
		Roles map[string]*Role `json:"roles"`
	}
)

func NewRolesMetadata() *RolesMetadata {
	return &RolesMetadata{Roles: map[string]*Role{}}
}

// RolesOf extracts the roles payload from a metadata snapshot, never
// returning nil.
func RolesOf(m *meta.ClusterMetadata) *RolesMetadata {
	if m != nil {
		if c := m.Custom(Kind); c != nil {
			return c.(*RolesMetadata)
		}
	}
	return NewRolesMetadata()
}

func (m *RolesMetadata) Kind() string { return Kind }

func (m *RolesMetadata) Equal(other meta.Custom) bool {
	o, ok := other.(*RolesMetadata)
	if !ok {
		return false
	}
	if len(m.Roles) != len(o.Roles) {
		return false
	}
	for name, r := range m.Roles {
		or, ok := o.Roles[name]
		if !ok || !r.Equal(or) {
			return false
		}
	}
	return true
}

func (m *RolesMetadata) Clone() *RolesMetadata {
	cp := NewRolesMetadata()
	for name, r := range m.Roles {
		cp.Roles[name] = r.Clone()
	}
	return cp
}

func (r *Role) Clone() *Role {
	cp := *r
	if r.Privileges != nil {
		cp.Privileges = append([]Privilege{}, r.Privileges...)
	}
	if r.GrantedRoles != nil {
		cp.GrantedRoles = append([]GrantedRole{}, r.GrantedRoles...)
	}
	return &cp
}

// Equal compares roles structurally, privilege order is irrelevant.
func (r *Role) Equal(other *Role) bool {
	if r == other {
		return true
	}
	if r == nil || other == nil {
		return false
	}
	if r.Name != other.Name || r.Secret != other.Secret || r.IsUser != other.IsUser {
		return false
	}
	if len(r.Privileges) != len(other.Privileges) {
		return false
	}
	for _, p := range r.Privileges {
		op, ok := other.Privilege(p.Key())
		if !ok || !p.Equal(op) {
			return false
		}
	}
	if len(r.GrantedRoles) != len(other.GrantedRoles) {
		return false
	}
	granted := make(map[GrantedRole]struct{}, len(other.GrantedRoles))
	for _, g := range other.GrantedRoles {
		granted[g] = struct{}{}
	}
	for _, g := range r.GrantedRoles {
		if _, ok := granted[g]; !ok {
			return false
		}
	}
	return true
}

// Privilege returns the resident privilege occupying the given key.
func (r *Role) Privilege(key PrivilegeKey) (Privilege, bool) {
	for _, p := range r.Privileges {
		if p.Key() == key {
			return p, true
		}
	}
	return Privilege{}, false
}

// upsertPrivilege installs p in its key slot, replacing any resident
// entry. Reports whether the slot content actually changed.
func (r *Role) upsertPrivilege(p Privilege) bool {
	for i := range r.Privileges {
		if r.Privileges[i].Key() == p.Key() {
			if r.Privileges[i].Equal(p) {
				return false
			}
			r.Privileges[i] = p
			return true
		}
	}
	r.Privileges = append(r.Privileges, p)
	return true
}

// removePrivilege clears the key slot, reporting whether a resident
// entry was there.
func (r *Role) removePrivilege(key PrivilegeKey) bool {
	for i := range r.Privileges {
		if r.Privileges[i].Key() == key {
			r.Privileges = append(r.Privileges[:i], r.Privileges[i+1:]...)
			return true
		}
	}
	return false
}
