package roles

import "fmt"

const (
	// resident states
	StateGrant PrivilegeState = iota + 1
	StateDeny
	// revoke is an operation, never stored
	StateRevoke
)

const (
	TypeDQL PrivilegeType = iota + 1
	TypeDML
	TypeDDL
	TypeAL
)

const (
	ClazzCluster PrivilegeClazz = iota + 1
	ClazzSchema
	ClazzTable
	ClazzView
)

type (
	PrivilegeState uint8
	PrivilegeType  uint8
	PrivilegeClazz uint8

	// Privilege is one resident GRANT or DENY entry on a role, or a
	// REVOKE change in flight. Ident is the fully qualified object name
	// and stays empty for cluster scope.
	Privilege struct {
		State   PrivilegeState `json:"state"`
		Type    PrivilegeType  `json:"type"`
		Clazz   PrivilegeClazz `json:"clazz"`
		Ident   string         `json:"ident,omitempty"`
		Grantor string         `json:"grantor"`
	}

	// PrivilegeKey identifies the slot a resident privilege occupies.
	// At most one GRANT or DENY lives per key per role. The grantor is
	// deliberately not part of the key, revoke matches across grantors.
	PrivilegeKey struct {
		Type  PrivilegeType
		Clazz PrivilegeClazz
		Ident string
	}
)

func (p Privilege) Key() PrivilegeKey {
	return PrivilegeKey{Type: p.Type, Clazz: p.Clazz, Ident: p.Ident}
}

func (p Privilege) Equal(other Privilege) bool {
	return p == other
}

func (s PrivilegeState) String() string {
	switch s {
	case StateGrant:
		return "GRANT"
	case StateDeny:
		return "DENY"
	case StateRevoke:
		return "REVOKE"
	}
	return fmt.Sprintf("PrivilegeState(%d)", uint8(s))
}

func (t PrivilegeType) String() string {
	switch t {
	case TypeDQL:
		return "DQL"
	case TypeDML:
		return "DML"
	case TypeDDL:
		return "DDL"
	case TypeAL:
		return "AL"
	}
	return fmt.Sprintf("PrivilegeType(%d)", uint8(t))
}

func (c PrivilegeClazz) String() string {
	switch c {
	case ClazzCluster:
		return "CLUSTER"
	case ClazzSchema:
		return "SCHEMA"
	case ClazzTable:
		return "TABLE"
	case ClazzView:
		return "VIEW"
	}
	return fmt.Sprintf("PrivilegeClazz(%d)", uint8(c))
}
