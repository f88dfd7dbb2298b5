package state

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/google/uuid"
	apierrors "github.com/stellardb/stellardb/errors"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/metrics"
	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/raft"
)

var Module = []byte("cluster-state")

const (
	RaftOpUpdateTask uint32 = iota + 1
	RaftOpRecoverState
	RaftOpJoinNode
	RaftOpLeaveNode
)

const defaultTaskPoolNum = 4

type (
	// TransformFunc is a registered pure transform. It reads the
	// current state, stages changes on the builder and returns a
	// caller visible result. Domain failures come back as an error and
	// leave the builder output unused.
	TransformFunc func(ctx context.Context, b *meta.Builder, cur *ClusterState, args []byte) (interface{}, error)

	// UpdateTask is the replicated form of one named state update.
	UpdateTask struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Op   string          `json:"op"`
		Args json.RawMessage `json:"args,omitempty"`
		// BaseVersion, when set, asserts the metadata version the
		// caller computed against. A mismatch aborts the task.
		BaseVersion uint64 `json:"base_version,omitempty"`
	}

	// taskReply travels back to the proposer through the raft notify
	// path. Domain errors ride in ErrMsg so a failed transform never
	// brings the apply loop down.
	taskReply struct {
		Data interface{}
		Err  string
		Noop bool
	}

	joinNodeArgs struct {
		Node *proto.Node `json:"node"`
	}
	leaveNodeArgs struct {
		NodeID proto.NodeID `json:"node_id"`
	}

	Config struct {
		LocalNodeID proto.NodeID `json:"local_node_id"`
		TaskPoolNum int          `json:"task_pool_num"`
	}

	// Executor is the single point through which cluster metadata
	// changes. Exactly one task transform runs at a time, serialized
	// by the raft apply loop.
	Executor struct {
		localNodeID proto.NodeID
		leader      uint64

		current   atomic.Value
		persisted PersistedState
		raftGroup raft.Group

		transformsMu sync.RWMutex
		transforms   map[string]TransformFunc

		taskPool taskpool.TaskPool
	}
)

func NewExecutor(cfg *Config, initial *ClusterState, persisted PersistedState) *Executor {
	if cfg.TaskPoolNum <= 0 {
		cfg.TaskPoolNum = defaultTaskPoolNum
	}
	e := &Executor{
		localNodeID: cfg.LocalNodeID,
		persisted:   persisted,
		transforms:  make(map[string]TransformFunc),
		taskPool:    taskpool.New(cfg.TaskPoolNum, cfg.TaskPoolNum),
	}
	e.current.Store(initial)
	metrics.StateVersion.Set(float64(initial.Version))
	return e
}

func (e *Executor) SetRaftGroup(g raft.Group) {
	e.raftGroup = g
}

// RegisterTransform binds a named transform. Modules register their
// operations at wiring time, before the raft group starts applying.
func (e *Executor) RegisterTransform(op string, fn TransformFunc) {
	e.transformsMu.Lock()
	e.transforms[op] = fn
	e.transformsMu.Unlock()
}

func (e *Executor) Current() *ClusterState {
	return e.current.Load().(*ClusterState)
}

// Metadata implements the metadata view the replication service and
// the admin API read from.
func (e *Executor) Metadata() *meta.ClusterMetadata {
	return e.Current().Metadata
}

func (e *Executor) IsLeader() bool {
	return atomic.LoadUint64(&e.leader) == uint64(e.localNodeID)
}

// SubmitStateUpdateTask proposes one named update task and waits for
// its apply result. The no-op path still acknowledges successfully.
func (e *Executor) SubmitStateUpdateTask(ctx context.Context, task *UpdateTask) (interface{}, error) {
	if !e.IsLeader() {
		return nil, apierrors.ErrNotLeader
	}
	cur := e.Current()
	if !cur.Recovered() {
		return nil, apierrors.ErrClusterBlocked
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: Module,
		Op:     raft.Op(RaftOpUpdateTask),
		Data:   data,
	})
	metrics.StateUpdateDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	reply, ok := resp.Data.(*taskReply)
	if !ok {
		return nil, errors.New("unexpected update task reply type")
	}
	if reply.Err != "" {
		return reply.Data, errors.New(reply.Err)
	}
	return reply.Data, nil
}

// SubmitAsync runs the submission on the executor task pool and hands
// the result to the callback.
func (e *Executor) SubmitAsync(ctx context.Context, task *UpdateTask, callback func(ret interface{}, err error)) {
	e.taskPool.Run(func() {
		ret, err := e.SubmitStateUpdateTask(ctx, task)
		if callback != nil {
			callback(ret, err)
		}
	})
}

// MarkRecovered lifts the state-not-recovered block cluster wide.
func (e *Executor) MarkRecovered(ctx context.Context) error {
	if !e.IsLeader() {
		return apierrors.ErrNotLeader
	}
	_, err := e.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: Module,
		Op:     raft.Op(RaftOpRecoverState),
	})
	return err
}

func (e *Executor) JoinNode(ctx context.Context, node *proto.Node) error {
	data, err := json.Marshal(joinNodeArgs{Node: node})
	if err != nil {
		return err
	}
	_, err = e.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: Module,
		Op:     raft.Op(RaftOpJoinNode),
		Data:   data,
	})
	return err
}

func (e *Executor) LeaveNode(ctx context.Context, nodeID proto.NodeID) error {
	data, err := json.Marshal(leaveNodeArgs{NodeID: nodeID})
	if err != nil {
		return err
	}
	_, err = e.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: Module,
		Op:     raft.Op(RaftOpLeaveNode),
		Data:   data,
	})
	return err
}

// Apply dispatches committed cluster-state entries. Part of the raft
// applier contract.
func (e *Executor) Apply(ctx context.Context, pd raft.ProposalData, index uint64) (interface{}, error) {
	_, ctx = trace.StartSpanFromContextWithTraceID(context.Background(), "", pd.ReqID)

	switch uint32(pd.Op) {
	case RaftOpUpdateTask:
		return e.applyUpdateTask(ctx, pd.Data)
	case RaftOpRecoverState:
		return nil, e.applyRecoverState(ctx)
	case RaftOpJoinNode:
		return nil, e.applyJoinNode(ctx, pd.Data)
	case RaftOpLeaveNode:
		return nil, e.applyLeaveNode(ctx, pd.Data)
	default:
		return nil, apierrors.ErrUnknownTaskOp
	}
}

func (e *Executor) LeaderChange(leader uint64) error {
	atomic.StoreUint64(&e.leader, leader)
	return nil
}

func (e *Executor) applyUpdateTask(ctx context.Context, data []byte) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)

	task := &UpdateTask{}
	if err := json.Unmarshal(data, task); err != nil {
		return nil, errors.Info(err, "json unmarshal update task failed")
	}

	e.transformsMu.RLock()
	fn := e.transforms[task.Op]
	e.transformsMu.RUnlock()
	if fn == nil {
		span.Errorf("update task[%s] references unknown op %s", task.Name, task.Op)
		return &taskReply{Err: apierrors.ErrUnknownTaskOp.Error()}, nil
	}

	cur := e.Current()
	if task.BaseVersion != 0 && task.BaseVersion != cur.Metadata.Version() {
		metrics.StateUpdates.WithLabelValues(task.Name, "failed").Inc()
		return &taskReply{Err: apierrors.ErrStaleSnapshot.Error()}, nil
	}

	b := meta.NewBuilder(cur.Metadata)
	ret, err := fn(ctx, b, cur, task.Args)
	if err != nil {
		span.Warnf("update task[%s] op[%s] rejected: %s", task.Name, task.Op, err)
		metrics.StateUpdates.WithLabelValues(task.Name, "failed").Inc()
		return &taskReply{Data: ret, Err: err.Error()}, nil
	}

	newMD := b.Build()
	if newMD.Equal(cur.Metadata) {
		// semantically correct no-op, acknowledged without a version bump
		metrics.StateUpdates.WithLabelValues(task.Name, "noop").Inc()
		return &taskReply{Data: ret, Noop: true}, nil
	}

	committed := b.Version(cur.Metadata.Version() + 1).Build()
	newState := cur.WithMetadata(committed)
	if err := e.persistState(newState); err != nil {
		// losing the durable copy is fatal, a partial commit must
		// never become visible
		span.Fatalf("persist cluster state version %d failed: %s", newState.Version, err)
		return nil, err
	}
	e.current.Store(newState)
	metrics.StateUpdates.WithLabelValues(task.Name, "committed").Inc()
	metrics.StateVersion.Set(float64(newState.Version))

	span.Infof("update task[%s] committed metadata version %d", task.Name, newState.Version)
	return &taskReply{Data: ret}, nil
}

func (e *Executor) applyRecoverState(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	cur := e.Current()
	if cur.Recovered() {
		return nil
	}
	newState := cur.WithoutGlobalBlock(BlockStateNotRecovered)
	if err := e.persistState(newState); err != nil {
		return err
	}
	e.current.Store(newState)
	span.Info("cluster state recovered, mutation unblocked")
	return nil
}

func (e *Executor) applyJoinNode(ctx context.Context, data []byte) error {
	args := joinNodeArgs{}
	if err := json.Unmarshal(data, &args); err != nil {
		return errors.Info(err, "json unmarshal data failed")
	}
	e.current.Store(e.Current().WithNode(args.Node))
	return nil
}

func (e *Executor) applyLeaveNode(ctx context.Context, data []byte) error {
	args := leaveNodeArgs{}
	if err := json.Unmarshal(data, &args); err != nil {
		return errors.Info(err, "json unmarshal data failed")
	}
	e.current.Store(e.Current().WithoutNode(args.NodeID))
	return nil
}

// InstallSnapshot replaces the whole state with one received from the
// elected master. Snapshot state is recovered by construction, the
// sender never operates on a blocked state.
func (e *Executor) InstallSnapshot(st *ClusterState) error {
	if err := e.persistState(st); err != nil {
		return err
	}
	e.current.Store(st)
	metrics.StateVersion.Set(float64(st.Version))
	return nil
}

func (e *Executor) persistState(st *ClusterState) error {
	if e.persisted == nil {
		return nil
	}
	return e.persisted.SetLastAcceptedState(st)
}

func (e *Executor) Close() {
	e.taskPool.Close()
}
