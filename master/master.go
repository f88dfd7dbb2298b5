package master

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"

	"github.com/stellardb/stellardb/master/gateway"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/master/replication"
	"github.com/stellardb/stellardb/master/roles"
	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/master/store"
	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/raft"
)

type Config struct {
	NodeConfig  proto.Node   `json:"node_config"`
	StoreConfig store.Config `json:"store_config"`
	RaftCfg     RaftNodeCfg  `json:"raft_config"`
	StateConfig state.Config `json:"state_config"`
}

// Master assembles the cluster state stack on one node: durable store,
// persisted state gateway, update task executor, role manager and the
// raft node replicating between peers.
type Master struct {
	cfg *Config

	store       *store.Store
	gateway     *gateway.Gateway
	executor    *state.Executor
	roles       *roles.Manager
	replication *replication.Service
	raftNode    *raftNode
}

func NewMaster(cfg *Config) *Master {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		span.Fatalf("new store failed: %s", err)
	}

	upgrader := gateway.NewUpgrader()
	upgrader.RegisterCustomsUpgrader(roles.UpgradeCustoms)

	gw := gateway.NewGateway(&gateway.Config{
		DataPath:  cfg.StoreConfig.Path,
		LocalNode: &cfg.NodeConfig,
	}, st.KVStore(), upgrader)
	persisted, err := gw.Start(ctx)
	if err != nil {
		span.Fatalf("start cluster state gateway failed: %s", err)
	}

	cfg.StateConfig.LocalNodeID = cfg.NodeConfig.ID
	executor := state.NewExecutor(&cfg.StateConfig, persisted.LastAcceptedState(), persisted)
	replService := replication.NewService(executor)
	rolesMgr := roles.NewManager(executor, replService)

	m := &Master{
		cfg:         cfg,
		store:       st,
		gateway:     gw,
		executor:    executor,
		roles:       rolesMgr,
		replication: replService,
	}

	rn, err := newRaftNode(ctx, &cfg.RaftCfg, st, m)
	if err != nil {
		span.Fatalf("new raft node failed: %s", err)
	}
	rn.addApplier(string(state.Module), executor)
	m.raftNode = rn

	return m
}

// Start brings up the raft group and announces the local node. The
// elected leader lifts the not-recovered block once its state is
// quorum confirmed.
func (m *Master) Start(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	if err := m.raftNode.start(ctx); err != nil {
		return err
	}
	m.executor.SetRaftGroup(m.raftNode.raftGroup)
	m.raftNode.waitForRaftStart(ctx)

	if err := m.executor.JoinNode(ctx, &m.cfg.NodeConfig); err != nil {
		return err
	}
	if m.executor.IsLeader() {
		if err := m.executor.MarkRecovered(ctx); err != nil {
			return err
		}
		span.Info("cluster state recovered by elected master")
	}
	return nil
}

func (m *Master) Roles() *roles.Manager { return m.roles }

func (m *Master) Replication() *replication.Service { return m.replication }

func (m *Master) State() *state.Executor { return m.executor }

func (m *Master) Stat() (*raft.Stat, error) {
	return m.raftNode.raftGroup.Stat()
}

// RegisterRaftService exposes the inter node raft stream on the grpc
// server. No-op on single voter deployments.
func (m *Master) RegisterRaftService(server *grpc.Server) {
	if m.raftNode.transport != nil {
		m.raftNode.transport.RegisterTo(server)
	}
}

// StateSnapshot and InstallStateSnapshot implement the raft snapshot
// source over the executor.
func (m *Master) StateSnapshot() (proto.Term, *meta.ClusterMetadata) {
	cur := m.executor.Current()
	return cur.Term, cur.Metadata
}

func (m *Master) InstallStateSnapshot(term proto.Term, md *meta.ClusterMetadata) error {
	st := state.NewClusterState(term, md, m.cfg.NodeConfig.ID).
		WithNode(&m.cfg.NodeConfig)
	return m.executor.InstallSnapshot(st)
}

func (m *Master) Close() {
	m.raftNode.close()
	m.executor.Close()
	m.gateway.Close()
	m.store.Close()
}
