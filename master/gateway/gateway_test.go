package gateway

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellardb/stellardb/common/kvstore"
	apierrors "github.com/stellardb/stellardb/errors"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/master/roles"
	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/util"
)

func newTestKVStore(t *testing.T) kvstore.Store {
	kvStore, err := kvstore.NewKVStore(context.Background(), "", kvstore.MemoryLsmKVType, &kvstore.Option{})
	require.NoError(t, err)
	t.Cleanup(kvStore.Close)
	return kvStore
}

func masterNode() *proto.Node {
	return &proto.Node{
		ID:      1,
		Name:    "node-1",
		Addr:    "127.0.0.1:9460",
		Roles:   []proto.NodeRole{proto.NodeRoleMaster},
		Version: proto.CurrentVersion,
	}
}

func tmpDataPath(t *testing.T) string {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })
	return path
}

func TestGatewayFreshStart(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(&Config{DataPath: tmpDataPath(t), LocalNode: masterNode()}, newTestKVStore(t), nil)

	persisted, err := g.Start(ctx)
	require.NoError(t, err)
	defer g.Close()

	st := persisted.LastAcceptedState()
	require.False(t, st.Recovered())
	require.NotNil(t, st.LocalNode())
	require.Equal(t, uint64(0), st.Metadata.Version())

	_, err = g.Start(ctx)
	require.ErrorIs(t, err, apierrors.ErrAlreadyStarted)
}

func TestGatewayPersistAndReload(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKVStore(t)
	path := tmpDataPath(t)

	g := NewGateway(&Config{DataPath: path, LocalNode: masterNode()}, kvStore, nil)
	persisted, err := g.Start(ctx)
	require.NoError(t, err)

	md := meta.NewBuilder(nil).
		PutSetting("cluster.name", "stellar").
		Version(5).
		Build()
	st := persisted.LastAcceptedState().WithTerm(3).WithMetadata(md)
	require.NoError(t, persisted.SetLastAcceptedState(st))
	require.NoError(t, g.Close())

	g2 := NewGateway(&Config{DataPath: path, LocalNode: masterNode()}, kvStore, nil)
	persisted2, err := g2.Start(ctx)
	require.NoError(t, err)
	defer g2.Close()

	reloaded := persisted2.LastAcceptedState()
	require.Equal(t, proto.Term(3), persisted2.CurrentTerm())
	require.Equal(t, uint64(5), reloaded.Metadata.Version())
	v, ok := reloaded.Metadata.Setting("cluster.name")
	require.True(t, ok)
	require.Equal(t, "stellar", v)
	require.False(t, reloaded.Recovered())
}

func TestGatewayDataDirLock(t *testing.T) {
	ctx := context.Background()
	path := tmpDataPath(t)

	g := NewGateway(&Config{DataPath: path, LocalNode: masterNode()}, newTestKVStore(t), nil)
	_, err := g.Start(ctx)
	require.NoError(t, err)
	defer g.Close()

	g2 := NewGateway(&Config{DataPath: path, LocalNode: masterNode()}, newTestKVStore(t), nil)
	_, err = g2.Start(ctx)
	require.Error(t, err)
}

func TestGatewayCorruptState(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKVStore(t)

	st, err := newStorage(kvStore)
	require.NoError(t, err)
	require.NoError(t, st.PutTerm(ctx, 4))

	// term present, metadata missing
	_, _, err = st.Load(ctx)
	require.Equal(t, apierrors.ErrStateCorrupt, err)

	// garbage metadata bytes
	require.NoError(t, kvStore.SetRaw(ctx, StateCF, metadataKey, []byte("not json"), nil))
	_, _, err = st.Load(ctx)
	require.Equal(t, apierrors.ErrStateCorrupt, err)

	g := NewGateway(&Config{DataPath: tmpDataPath(t), LocalNode: masterNode()}, kvStore, nil)
	_, err = g.Start(ctx)
	require.Equal(t, apierrors.ErrStateCorrupt, err)
}

func TestGatewayLegacyUsersUpgradeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKVStore(t)
	path := tmpDataPath(t)

	st, err := newStorage(kvStore)
	require.NoError(t, err)
	legacy := meta.NewBuilder(nil).
		Version(3).
		PutCustom(&roles.UsersMetadata{Users: map[string]string{"arthur": "secret"}}).
		PutCustom(&roles.UsersPrivilegesMetadata{Privileges: map[string][]roles.Privilege{
			"arthur": {{State: roles.StateGrant, Type: roles.TypeDQL, Clazz: roles.ClazzCluster, Grantor: "admin"}},
		}}).
		Build()
	require.NoError(t, st.PutState(ctx, 2, legacy))

	newUpgrader := func() *Upgrader {
		u := NewUpgrader()
		u.RegisterCustomsUpgrader(roles.UpgradeCustoms)
		return u
	}

	g := NewGateway(&Config{DataPath: path, LocalNode: masterNode()}, kvStore, newUpgrader())
	persisted, err := g.Start(ctx)
	require.NoError(t, err)

	upgraded := persisted.LastAcceptedState().Metadata
	require.Nil(t, upgraded.Custom(roles.LegacyUsersKind))
	require.Nil(t, upgraded.Custom(roles.LegacyUsersPrivilegesKind))
	migrated := roles.RolesOf(upgraded)
	require.Contains(t, migrated.Roles, "arthur")
	require.True(t, migrated.Roles["arthur"].IsUser)
	require.Len(t, migrated.Roles["arthur"].Privileges, 1)
	require.Equal(t, uint64(3), upgraded.Version())
	require.NoError(t, g.Close())

	// a second start over the already migrated bytes changes nothing
	g2 := NewGateway(&Config{DataPath: path, LocalNode: masterNode()}, kvStore, newUpgrader())
	persisted2, err := g2.Start(ctx)
	require.NoError(t, err)
	defer g2.Close()

	again := persisted2.LastAcceptedState().Metadata
	require.True(t, again.Equal(upgraded))
	require.Equal(t, uint64(3), again.Version())
}

func TestGatewayArchivesUnknownSettings(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKVStore(t)

	st, err := newStorage(kvStore)
	require.NoError(t, err)
	md := meta.NewBuilder(nil).
		Version(1).
		PutSetting("cluster.name", "stellar").
		PutSetting("bogus.key", "value").
		Build()
	require.NoError(t, st.PutState(ctx, 1, md))

	g := NewGateway(&Config{DataPath: tmpDataPath(t), LocalNode: masterNode()}, kvStore, nil)
	persisted, err := g.Start(ctx)
	require.NoError(t, err)
	defer g.Close()

	loaded := persisted.LastAcceptedState().Metadata
	_, ok := loaded.Setting("bogus.key")
	require.False(t, ok)
	archived, ok := loaded.Setting(state.ArchivedSettingPrefix + "bogus.key")
	require.True(t, ok)
	require.Equal(t, "value", archived)
	kept, ok := loaded.Setting("cluster.name")
	require.True(t, ok)
	require.Equal(t, "stellar", kept)
}

func TestGatewayStatelessNode(t *testing.T) {
	node := &proto.Node{
		ID:    2,
		Name:  "coordinator-1",
		Addr:  "127.0.0.1:9461",
		Roles: []proto.NodeRole{proto.NodeRoleCoordinator},
	}
	g := NewGateway(&Config{DataPath: tmpDataPath(t), LocalNode: node}, nil, nil)

	persisted, err := g.Start(context.Background())
	require.NoError(t, err)
	defer g.Close()

	st := persisted.LastAcceptedState()
	require.False(t, st.Recovered())
	require.Equal(t, uint64(0), st.Metadata.Version())
	require.NoError(t, persisted.SetLastAcceptedState(st.WithTerm(9)))
	require.Equal(t, proto.Term(9), persisted.CurrentTerm())
}
