package roles

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/master/replication"
	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/proto"
)

const (
	OpApplyPrivileges         = "roles:apply-privileges"
	OpCreateRole              = "roles:create-role"
	OpDropRole                = "roles:drop-role"
	OpTransferTablePrivileges = "roles:transfer-table-privileges"
	OpDropObjectPrivileges    = "roles:drop-object-privileges"
)

// minRolesVersion is the oldest build that understands unified roles.
// Mixed clusters with older nodes keep running on legacy users, role
// mutations stay refused until every node is upgraded.
var minRolesVersion = proto.Version{Major: 2, Minor: 0, Patch: 0}

type (
	applyPrivilegesArgs struct {
		RoleNames []string    `json:"role_names"`
		Changes   []Privilege `json:"changes"`
	}
	createRoleArgs struct {
		Name   string `json:"name"`
		Secret string `json:"secret,omitempty"`
		IsUser bool   `json:"is_user"`
	}
	dropRoleArgs struct {
		Name string `json:"name"`
	}
	transferArgs struct {
		OldIdent string `json:"old_ident"`
		NewIdent string `json:"new_ident"`
	}
	dropObjectArgs struct {
		Ident string `json:"ident"`
	}

	// PrivilegesAck reports how many privilege slots an apply run
	// actually changed.
	PrivilegesAck struct {
		Affected int `json:"affected"`
	}

	// DropRoleAck mirrors the acknowledged response of a role drop.
	// Existed is false when the role was already gone.
	DropRoleAck struct {
		Acknowledged bool `json:"acknowledged"`
		Existed      bool `json:"existed"`
	}

	// Manager fronts every role and privilege mutation. It validates on
	// the submitting node and replicates the actual transform through
	// the state update executor.
	Manager struct {
		executor    *state.Executor
		replication *replication.Service
	}
)

func NewManager(executor *state.Executor, repl *replication.Service) *Manager {
	m := &Manager{executor: executor, replication: repl}
	m.registerTransforms()
	return m
}

func (m *Manager) registerTransforms() {
	m.executor.RegisterTransform(OpApplyPrivileges, applyPrivilegesTransform)
	m.executor.RegisterTransform(OpCreateRole, createRoleTransform)
	m.executor.RegisterTransform(OpDropRole, dropRoleTransform)
	m.executor.RegisterTransform(OpTransferTablePrivileges, transferTransform)
	m.executor.RegisterTransform(OpDropObjectPrivileges, dropObjectTransform)
}

// ApplyPrivilegeChanges submits one batch of GRANT, DENY and REVOKE
// changes against the named roles and returns the number of privilege
// slots that actually changed.
func (m *Manager) ApplyPrivilegeChanges(ctx context.Context, roleNames []string, changes []Privilege) (int, error) {
	if err := m.checkClusterVersion(); err != nil {
		return 0, err
	}

	raw, err := json.Marshal(applyPrivilegesArgs{RoleNames: roleNames, Changes: changes})
	if err != nil {
		return 0, err
	}
	ret, err := m.submit(ctx, fmt.Sprintf("apply-privileges[%d roles]", len(roleNames)),
		&state.UpdateTask{Name: "apply-privileges", Op: OpApplyPrivileges, Args: raw})
	if err != nil {
		return 0, err
	}
	ack, _ := ret.(*PrivilegesAck)
	if ack == nil {
		return 0, nil
	}
	return ack.Affected, nil
}

func (m *Manager) CreateRole(ctx context.Context, name, secret string, isUser bool) error {
	if err := m.checkClusterVersion(); err != nil {
		return err
	}

	raw, err := json.Marshal(createRoleArgs{Name: name, Secret: secret, IsUser: isUser})
	if err != nil {
		return err
	}
	_, err = m.submit(ctx, "create-role["+name+"]", &state.UpdateTask{
		Name: "create-role", Op: OpCreateRole, Args: raw,
	})
	return err
}

// DropRole drops the named role after the ownership cascade check.
// Dropping an absent role acknowledges with Existed false rather than
// failing, DROP USER IF EXISTS maps onto that.
func (m *Manager) DropRole(ctx context.Context, name string) (DropRoleAck, error) {
	if err := m.checkClusterVersion(); err != nil {
		return DropRoleAck{}, err
	}
	if err := m.checkOwnership(name); err != nil {
		return DropRoleAck{}, err
	}

	raw, err := json.Marshal(dropRoleArgs{Name: name})
	if err != nil {
		return DropRoleAck{}, err
	}
	ret, err := m.submit(ctx, "drop-role["+name+"]", &state.UpdateTask{
		Name: "drop-role", Op: OpDropRole, Args: raw,
	})
	if err != nil {
		return DropRoleAck{}, err
	}
	ack, _ := ret.(*DropRoleAck)
	if ack == nil {
		return DropRoleAck{Acknowledged: true}, nil
	}
	return *ack, nil
}

// TransferTablePrivileges moves every privilege scoped to oldIdent
// over to newIdent, part of a table rename.
func (m *Manager) TransferTablePrivileges(ctx context.Context, oldIdent, newIdent string) error {
	raw, err := json.Marshal(transferArgs{OldIdent: oldIdent, NewIdent: newIdent})
	if err != nil {
		return err
	}
	_, err = m.submit(ctx, "transfer-privileges["+oldIdent+"]", &state.UpdateTask{
		Name: "transfer-privileges", Op: OpTransferTablePrivileges, Args: raw,
	})
	return err
}

// DropObjectPrivileges removes every privilege scoped to a dropped
// table or view and returns how many entries went away.
func (m *Manager) DropObjectPrivileges(ctx context.Context, ident string) (int, error) {
	raw, err := json.Marshal(dropObjectArgs{Ident: ident})
	if err != nil {
		return 0, err
	}
	ret, err := m.submit(ctx, "drop-object-privileges["+ident+"]", &state.UpdateTask{
		Name: "drop-object-privileges", Op: OpDropObjectPrivileges, Args: raw,
	})
	if err != nil {
		return 0, err
	}
	ack, _ := ret.(*PrivilegesAck)
	if ack == nil {
		return 0, nil
	}
	return ack.Affected, nil
}

func (m *Manager) Roles() *RolesMetadata {
	return RolesOf(m.executor.Metadata())
}

func (m *Manager) submit(ctx context.Context, name string, task *state.UpdateTask) (interface{}, error) {
	task.Name = name
	return m.executor.SubmitStateUpdateTask(ctx, task)
}

// checkClusterVersion refuses role mutations while any node in the
// cluster still runs a build without unified roles.
func (m *Manager) checkClusterVersion() error {
	cur := m.executor.Current()
	for _, node := range cur.Nodes {
		if node.Version.Before(minRolesVersion) {
			return errors.Newf("cannot create, alter or drop users/roles until all nodes are upgraded to %s (node %s is on %s)",
				minRolesVersion, node.Name, node.Version)
		}
	}
	return nil
}

// checkOwnership blocks the drop while the role still owns replication
// objects, those have to go first.
func (m *Manager) checkOwnership(name string) error {
	if m.replication == nil {
		return nil
	}
	for subName, sub := range m.replication.Subscriptions() {
		if sub.Owner == name {
			return errors.Newf("user '%s' cannot be dropped, subscription '%s' needs to be dropped first", name, subName)
		}
	}
	for pubName, pub := range m.replication.Publications() {
		if pub.Owner == name {
			return errors.Newf("user '%s' cannot be dropped, publication '%s' needs to be dropped first", name, pubName)
		}
	}
	return nil
}

// migrateLegacyRoles folds the pre-unification users payloads into the
// roles snapshot and stages the removal of the legacy kinds. The
// startup upgrader only sees what this node loaded from disk, metadata
// replicated from a not yet upgraded peer reaches the write path
// directly, so the first write touching roles migrates too.
func migrateLegacyRoles(b *meta.Builder, md *meta.ClusterMetadata) *RolesMetadata {
	current := RolesOf(md)
	if md == nil {
		return current
	}
	legacyUsers, _ := md.Custom(LegacyUsersKind).(*UsersMetadata)
	legacyPrivileges, _ := md.Custom(LegacyUsersPrivilegesKind).(*UsersPrivilegesMetadata)
	if legacyUsers == nil && legacyPrivileges == nil {
		return current
	}

	merged := RolesFrom(legacyUsers, legacyPrivileges, current)
	b.RemoveCustom(LegacyUsersKind).
		RemoveCustom(LegacyUsersPrivilegesKind).
		PutCustom(merged)
	return merged
}

func applyPrivilegesTransform(ctx context.Context, b *meta.Builder, cur *state.ClusterState, raw []byte) (interface{}, error) {
	args := applyPrivilegesArgs{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	current := migrateLegacyRoles(b, cur.Metadata)
	updated, affected := ApplyPrivileges(current, args.RoleNames, args.Changes)
	if affected > 0 {
		b.PutCustom(updated)
	}
	return &PrivilegesAck{Affected: affected}, nil
}

func createRoleTransform(ctx context.Context, b *meta.Builder, cur *state.ClusterState, raw []byte) (interface{}, error) {
	args := createRoleArgs{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	current := migrateLegacyRoles(b, cur.Metadata)
	if _, ok := current.Roles[args.Name]; ok {
		return nil, errors.Newf("role '%s' already exists", args.Name)
	}

	updated := current.Clone()
	updated.Roles[args.Name] = &Role{Name: args.Name, Secret: args.Secret, IsUser: args.IsUser}
	b.PutCustom(updated)
	return nil, nil
}

func dropRoleTransform(ctx context.Context, b *meta.Builder, cur *state.ClusterState, raw []byte) (interface{}, error) {
	args := dropRoleArgs{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	current := migrateLegacyRoles(b, cur.Metadata)
	updated, existed := DropRole(current, args.Name)
	if existed {
		b.PutCustom(updated)
	}
	return &DropRoleAck{Acknowledged: true, Existed: existed}, nil
}

func transferTransform(ctx context.Context, b *meta.Builder, cur *state.ClusterState, raw []byte) (interface{}, error) {
	args := transferArgs{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	current := migrateLegacyRoles(b, cur.Metadata)
	if updated := MaybeCopyAndReplaceTableIdents(current, args.OldIdent, args.NewIdent); updated != nil {
		b.PutCustom(updated)
	}
	return nil, nil
}

func dropObjectTransform(ctx context.Context, b *meta.Builder, cur *state.ClusterState, raw []byte) (interface{}, error) {
	args := dropObjectArgs{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	current := migrateLegacyRoles(b, cur.Metadata)
	affected := DropTableOrViewPrivileges(b, current, args.Ident)
	return &PrivilegesAck{Affected: affected}, nil
}
