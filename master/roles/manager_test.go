package roles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/master/replication"
	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/raft"
)

type directGroup struct {
	applier raft.Applier
	index   uint64
}

func (g *directGroup) Propose(ctx context.Context, data *raft.ProposalData) (raft.ProposalResponse, error) {
	g.index++
	ret, err := g.applier.Apply(ctx, *data, g.index)
	if err != nil {
		return raft.ProposalResponse{}, err
	}
	return raft.ProposalResponse{Data: ret}, nil
}

func (g *directGroup) ReadIndex(ctx context.Context) error                     { return nil }
func (g *directGroup) MemberChange(ctx context.Context, mc *raft.Member) error { return nil }
func (g *directGroup) LeaderTransfer(ctx context.Context, peerID uint64) error { return nil }
func (g *directGroup) Truncate(ctx context.Context, index uint64) error        { return nil }
func (g *directGroup) Stat() (*raft.Stat, error)                               { return &raft.Stat{}, nil }
func (g *directGroup) Start()                                                  {}
func (g *directGroup) Close() error                                            { return nil }

func newTestManager(t *testing.T, md *meta.ClusterMetadata, nodes ...*proto.Node) *Manager {
	initial := state.NewClusterState(1, md, 1)
	for _, n := range nodes {
		initial = initial.WithNode(n)
	}
	e := state.NewExecutor(&state.Config{LocalNodeID: 1}, initial, nil)
	e.SetRaftGroup(&directGroup{applier: e})
	require.NoError(t, e.LeaderChange(1))
	t.Cleanup(e.Close)

	return NewManager(e, replication.NewService(e))
}

func currentNode() *proto.Node {
	return &proto.Node{ID: 1, Name: "node-1", Roles: []proto.NodeRole{proto.NodeRoleMaster}, Version: proto.CurrentVersion}
}

func TestManagerGrantRevokeRoundTrip(t *testing.T) {
	m := newTestManager(t, nil, currentNode())
	ctx := context.Background()

	require.NoError(t, m.CreateRole(ctx, "arthur", "", true))

	affected, err := m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{
		grantDQL("admin"), grantDML("admin"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, affected)

	affected, err = m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{
		revoke(grantDML("admin")),
	})
	require.NoError(t, err)
	require.Equal(t, 1, affected)

	arthur := m.Roles().Roles["arthur"]
	require.NotNil(t, arthur)
	require.Len(t, arthur.Privileges, 1)
	require.Equal(t, TypeDQL, arthur.Privileges[0].Type)
}

func TestManagerNoopGrantDoesNotBumpVersion(t *testing.T) {
	m := newTestManager(t, nil, currentNode())
	ctx := context.Background()

	_, err := m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{grantDQL("admin")})
	require.NoError(t, err)
	versionAfterGrant := m.executor.Metadata().Version()

	affected, err := m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{grantDQL("admin")})
	require.NoError(t, err)
	require.Equal(t, 0, affected)
	require.Equal(t, versionAfterGrant, m.executor.Metadata().Version())
}

func TestManagerCreateRoleTwiceFails(t *testing.T) {
	m := newTestManager(t, nil, currentNode())
	ctx := context.Background()

	require.NoError(t, m.CreateRole(ctx, "arthur", "", true))
	require.Error(t, m.CreateRole(ctx, "arthur", "", true))
}

func TestManagerDropMissingRoleAcknowledges(t *testing.T) {
	m := newTestManager(t, nil, currentNode())

	ack, err := m.DropRole(context.Background(), "zaphod")
	require.NoError(t, err)
	require.True(t, ack.Acknowledged)
	require.False(t, ack.Existed)
}

func TestManagerDropRoleBlockedByOwnership(t *testing.T) {
	subs := &replication.SubscriptionsMetadata{
		Subscriptions: map[string]replication.Subscription{
			"sub1": {Owner: "arthur", ConnectionInfo: "stellar://remote"},
		},
	}
	md := meta.NewBuilder(nil).PutCustom(subs).Build()
	m := newTestManager(t, md, currentNode())
	ctx := context.Background()

	require.NoError(t, m.CreateRole(ctx, "arthur", "", true))
	_, err := m.DropRole(ctx, "arthur")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sub1")

	// still present
	require.Contains(t, m.Roles().Roles, "arthur")
}

func TestManagerDropLegacyUser(t *testing.T) {
	legacy := &UsersMetadata{Users: map[string]string{"bob": ""}}
	md := meta.NewBuilder(nil).PutCustom(legacy).Build()
	m := newTestManager(t, md, currentNode())

	ack, err := m.DropRole(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, ack.Acknowledged)
	require.True(t, ack.Existed)

	committed := m.executor.Metadata()
	require.Nil(t, committed.Custom(LegacyUsersKind))
	require.Nil(t, committed.Custom(LegacyUsersPrivilegesKind))
	require.NotContains(t, m.Roles().Roles, "bob")
}

func TestManagerWriteMigratesLegacyUsers(t *testing.T) {
	legacy := &UsersMetadata{Users: map[string]string{"bob": "hunter2"}}
	legacyPrivs := &UsersPrivilegesMetadata{Privileges: map[string][]Privilege{
		"bob": {grantDQL("admin")},
	}}
	md := meta.NewBuilder(nil).PutCustom(legacy).PutCustom(legacyPrivs).Build()
	m := newTestManager(t, md, currentNode())
	ctx := context.Background()

	// an unrelated role write carries the migration along
	require.NoError(t, m.CreateRole(ctx, "arthur", "", true))

	committed := m.executor.Metadata()
	require.Nil(t, committed.Custom(LegacyUsersKind))
	require.Nil(t, committed.Custom(LegacyUsersPrivilegesKind))

	bob := m.Roles().Roles["bob"]
	require.NotNil(t, bob)
	require.True(t, bob.IsUser)
	require.Equal(t, "hunter2", bob.Secret)
	_, ok := bob.Privilege(grantDQL("admin").Key())
	require.True(t, ok)

	// migrated users conflict with new roles of the same name
	require.Error(t, m.CreateRole(ctx, "bob", "", true))
}

func TestManagerMutationsGatedOnOldNodes(t *testing.T) {
	oldNode := &proto.Node{ID: 2, Name: "node-2", Roles: []proto.NodeRole{proto.NodeRoleData}, Version: proto.Version{Major: 1, Minor: 9, Patch: 2}}
	m := newTestManager(t, nil, currentNode(), oldNode)
	ctx := context.Background()

	err := m.CreateRole(ctx, "arthur", "", true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "node-2")

	_, err = m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{grantDQL("admin")})
	require.Error(t, err)
}

func TestManagerDropObjectPrivileges(t *testing.T) {
	m := newTestManager(t, nil, currentNode())
	ctx := context.Background()

	tablePriv := Privilege{
		State: StateGrant, Type: TypeDQL, Clazz: ClazzTable,
		Ident: "testSchema.test", Grantor: "admin",
	}
	_, err := m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{tablePriv, grantDQL("admin")})
	require.NoError(t, err)

	affected, err := m.DropObjectPrivileges(ctx, "testSchema.test")
	require.NoError(t, err)
	require.Equal(t, 1, affected)
	require.Len(t, m.Roles().Roles["arthur"].Privileges, 1)
}

func TestManagerTransferTablePrivileges(t *testing.T) {
	m := newTestManager(t, nil, currentNode())
	ctx := context.Background()

	tablePriv := Privilege{
		State: StateGrant, Type: TypeDQL, Clazz: ClazzTable,
		Ident: "testSchema.test", Grantor: "admin",
	}
	_, err := m.ApplyPrivilegeChanges(ctx, []string{"arthur"}, []Privilege{tablePriv})
	require.NoError(t, err)

	require.NoError(t, m.TransferTablePrivileges(ctx, "testSchema.test", "testSchema.testing"))

	moved := tablePriv
	moved.Ident = "testSchema.testing"
	_, ok := m.Roles().Roles["arthur"].Privilege(moved.Key())
	require.True(t, ok)
}
