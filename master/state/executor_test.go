package state

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/stellardb/stellardb/errors"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/raft"
)

// loopbackGroup feeds proposals straight back into the executor the
// way a committed single voter raft group would.
type loopbackGroup struct {
	applier raft.Applier
	index   uint64
}

func (g *loopbackGroup) Propose(ctx context.Context, data *raft.ProposalData) (raft.ProposalResponse, error) {
	g.index++
	ret, err := g.applier.Apply(ctx, *data, g.index)
	if err != nil {
		return raft.ProposalResponse{}, err
	}
	return raft.ProposalResponse{Data: ret}, nil
}

func (g *loopbackGroup) ReadIndex(ctx context.Context) error                      { return nil }
func (g *loopbackGroup) MemberChange(ctx context.Context, mc *raft.Member) error  { return nil }
func (g *loopbackGroup) LeaderTransfer(ctx context.Context, peerID uint64) error  { return nil }
func (g *loopbackGroup) Truncate(ctx context.Context, index uint64) error         { return nil }
func (g *loopbackGroup) Stat() (*raft.Stat, error)                                { return &raft.Stat{}, nil }
func (g *loopbackGroup) Start()                                                   {}
func (g *loopbackGroup) Close() error                                             { return nil }

type memPersisted struct {
	term   proto.Term
	state  *ClusterState
	writes int
}

func (p *memPersisted) CurrentTerm() proto.Term          { return p.term }
func (p *memPersisted) LastAcceptedState() *ClusterState { return p.state }
func (p *memPersisted) SetCurrentTerm(term proto.Term) error {
	p.term = term
	return nil
}
func (p *memPersisted) SetLastAcceptedState(st *ClusterState) error {
	p.state = st
	p.writes++
	return nil
}
func (p *memPersisted) Close() error { return nil }

type settingArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func newTestExecutor(t *testing.T, recovered bool) (*Executor, *memPersisted) {
	initial := NewClusterState(1, meta.Empty(), 1)
	if !recovered {
		initial = initial.WithGlobalBlock(StateNotRecoveredBlock)
	}
	persisted := &memPersisted{state: initial}

	e := NewExecutor(&Config{LocalNodeID: 1}, initial, persisted)
	e.SetRaftGroup(&loopbackGroup{applier: e})
	require.NoError(t, e.LeaderChange(1))

	e.RegisterTransform("put-setting", func(ctx context.Context, b *meta.Builder, cur *ClusterState, raw []byte) (interface{}, error) {
		args := settingArgs{}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		b.PutSetting(args.Key, args.Value)
		return args.Key, nil
	})
	t.Cleanup(e.Close)
	return e, persisted
}

func mustArgs(t *testing.T, v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestExecutorCommitBumpsVersionOnce(t *testing.T) {
	e, persisted := newTestExecutor(t, true)
	ctx := context.Background()

	ret, err := e.SubmitStateUpdateTask(ctx, &UpdateTask{
		Name: "test[set cluster.name]",
		Op:   "put-setting",
		Args: mustArgs(t, settingArgs{Key: "cluster.name", Value: "stellar"}),
	})
	require.NoError(t, err)
	require.Equal(t, "cluster.name", ret)

	cur := e.Current()
	require.Equal(t, uint64(1), cur.Metadata.Version())
	require.Equal(t, proto.StateVersion(1), cur.Version)
	v, ok := cur.Metadata.Setting("cluster.name")
	require.True(t, ok)
	require.Equal(t, "stellar", v)
	require.Equal(t, 1, persisted.writes)
}

func TestExecutorNoopSkipsVersionBump(t *testing.T) {
	e, persisted := newTestExecutor(t, true)
	ctx := context.Background()

	task := &UpdateTask{
		Name: "test[set cluster.name]",
		Op:   "put-setting",
		Args: mustArgs(t, settingArgs{Key: "cluster.name", Value: "stellar"}),
	}
	_, err := e.SubmitStateUpdateTask(ctx, task)
	require.NoError(t, err)

	// same value again, semantically a no-op
	_, err = e.SubmitStateUpdateTask(ctx, &UpdateTask{
		Name: "test[set cluster.name]",
		Op:   "put-setting",
		Args: task.Args,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Current().Metadata.Version())
	require.Equal(t, 1, persisted.writes)
}

func TestExecutorDomainErrorLeavesStateUntouched(t *testing.T) {
	e, _ := newTestExecutor(t, true)
	e.RegisterTransform("always-reject", func(ctx context.Context, b *meta.Builder, cur *ClusterState, raw []byte) (interface{}, error) {
		b.PutSetting("must.not.land", "x")
		return nil, apierrors.ErrRoleDoesNotExist
	})

	_, err := e.SubmitStateUpdateTask(context.Background(), &UpdateTask{
		Name: "test[reject]",
		Op:   "always-reject",
	})
	require.Error(t, err)
	require.Equal(t, apierrors.ErrRoleDoesNotExist.Error(), err.Error())

	cur := e.Current()
	require.Equal(t, uint64(0), cur.Metadata.Version())
	_, ok := cur.Metadata.Setting("must.not.land")
	require.False(t, ok)
}

func TestExecutorRejectsFollowerSubmit(t *testing.T) {
	e, _ := newTestExecutor(t, true)
	require.NoError(t, e.LeaderChange(2))

	_, err := e.SubmitStateUpdateTask(context.Background(), &UpdateTask{Op: "put-setting"})
	require.ErrorIs(t, err, apierrors.ErrNotLeader)
}

func TestExecutorBlocksUntilRecovered(t *testing.T) {
	e, _ := newTestExecutor(t, false)
	ctx := context.Background()

	_, err := e.SubmitStateUpdateTask(ctx, &UpdateTask{
		Name: "test[set cluster.name]",
		Op:   "put-setting",
		Args: mustArgs(t, settingArgs{Key: "cluster.name", Value: "stellar"}),
	})
	require.ErrorIs(t, err, apierrors.ErrClusterBlocked)

	require.NoError(t, e.MarkRecovered(ctx))
	require.True(t, e.Current().Recovered())

	_, err = e.SubmitStateUpdateTask(ctx, &UpdateTask{
		Name: "test[set cluster.name]",
		Op:   "put-setting",
		Args: mustArgs(t, settingArgs{Key: "cluster.name", Value: "stellar"}),
	})
	require.NoError(t, err)
}

func TestExecutorStaleBaseVersion(t *testing.T) {
	e, _ := newTestExecutor(t, true)
	ctx := context.Background()

	_, err := e.SubmitStateUpdateTask(ctx, &UpdateTask{
		Name: "test[first]",
		Op:   "put-setting",
		Args: mustArgs(t, settingArgs{Key: "cluster.name", Value: "stellar"}),
	})
	require.NoError(t, err)

	_, err = e.SubmitStateUpdateTask(ctx, &UpdateTask{
		Name:        "test[stale]",
		Op:          "put-setting",
		Args:        mustArgs(t, settingArgs{Key: "cluster.name", Value: "other"}),
		BaseVersion: 99,
	})
	require.Error(t, err)
	require.Equal(t, apierrors.ErrStaleSnapshot.Error(), err.Error())
	require.Equal(t, uint64(1), e.Current().Metadata.Version())
}

func TestExecutorUnknownOp(t *testing.T) {
	e, _ := newTestExecutor(t, true)

	_, err := e.SubmitStateUpdateTask(context.Background(), &UpdateTask{
		Name: "test[unknown]",
		Op:   "no-such-op",
	})
	require.Error(t, err)
	require.Equal(t, apierrors.ErrUnknownTaskOp.Error(), err.Error())
}

func TestExecutorNodeMembership(t *testing.T) {
	e, _ := newTestExecutor(t, true)
	ctx := context.Background()

	node := &proto.Node{ID: 7, Addr: "127.0.0.1:9460", Roles: []proto.NodeRole{proto.NodeRoleMaster}}
	require.NoError(t, e.JoinNode(ctx, node))
	require.NotNil(t, e.Current().Nodes[7])

	require.NoError(t, e.LeaveNode(ctx, 7))
	require.Nil(t, e.Current().Nodes[7])
}
