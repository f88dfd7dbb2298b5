package proto

type NodeRole int

const (
	NodeRoleUnknown NodeRole = iota
	NodeRoleMaster
	NodeRoleData
	NodeRoleCoordinator
)

type Node struct {
	ID      NodeID     `json:"id"`
	Name    string     `json:"name"`
	Addr    string     `json:"addr"`
	Roles   []NodeRole `json:"roles"`
	Version Version    `json:"version"`
}

// CanHoldClusterState reports whether this node persists cluster
// metadata on disk. Coordinator-only nodes keep an in-memory state and
// receive the real one from the elected master after joining.
func (n *Node) CanHoldClusterState() bool {
	for _, role := range n.Roles {
		if role == NodeRoleMaster || role == NodeRoleData {
			return true
		}
	}
	return false
}

func (n *Node) HasRole(role NodeRole) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}
