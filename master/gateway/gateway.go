package gateway

import (
	"context"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/stellardb/stellardb/common/kvstore"
	apierrors "github.com/stellardb/stellardb/errors"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/proto"
)

type (
	Config struct {
		DataPath  string      `json:"data_path"`
		LocalNode *proto.Node `json:"local_node"`
	}

	// Gateway owns the startup handoff from disk to the live cluster
	// state: lock the data directory, load and upgrade the persisted
	// metadata, and hand the executor its initial state plus the
	// PersistedState handle everything else writes through.
	Gateway struct {
		cfg      *Config
		kvStore  kvstore.Store
		upgrader *Upgrader

		lock      *dirLock
		persisted state.PersistedState
		started   uint32
	}
)

// NewGateway wires the gateway over the node's kv store. Stateless
// nodes pass a nil store and run on an in-memory persisted state.
func NewGateway(cfg *Config, kvStore kvstore.Store, upgrader *Upgrader) *Gateway {
	if upgrader == nil {
		upgrader = NewUpgrader()
	}
	return &Gateway{cfg: cfg, kvStore: kvStore, upgrader: upgrader}
}

// Start loads the persisted state exactly once per process. A second
// call fails with ErrAlreadyStarted, the handle from the first call
// stays authoritative.
func (g *Gateway) Start(ctx context.Context) (state.PersistedState, error) {
	if !atomic.CompareAndSwapUint32(&g.started, 0, 1) {
		return nil, apierrors.ErrAlreadyStarted
	}
	span := trace.SpanFromContextSafe(ctx)

	if !g.cfg.LocalNode.CanHoldClusterState() || g.kvStore == nil {
		span.Info("stateless node, cluster state stays in memory")
		initial := g.prepareInitialClusterState(ctx, 0, meta.Empty())
		g.persisted = newMemoryPersistedState(0, initial)
		return g.persisted, nil
	}

	lock, err := lockDataDir(g.cfg.DataPath)
	if err != nil {
		return nil, err
	}
	g.lock = lock

	storage, err := newStorage(g.kvStore)
	if err != nil {
		g.lock.Release()
		return nil, err
	}

	term, md, err := storage.Load(ctx)
	switch {
	case err == nil:
		span.Infof("loaded cluster state term %d metadata version %d", term, md.Version())
	case err == apierrors.ErrStateNeverWritten:
		span.Info("no cluster state on disk, starting empty")
		term, md = 0, meta.Empty()
	default:
		g.lock.Release()
		return nil, err
	}

	upgraded := g.upgrader.Upgrade(ctx, md)
	initial := g.prepareInitialClusterState(ctx, term, upgraded)

	// the upgraded form goes back to disk immediately so a crash before
	// the first update task does not repeat the upgrade against the old
	// bytes
	if upgraded != md {
		if err := storage.PutState(ctx, term, upgraded); err != nil {
			g.lock.Release()
			return nil, err
		}
		span.Infof("persisted upgraded metadata version %d", upgraded.Version())
	}

	g.persisted = newDiskPersistedState(storage, term, initial)
	return g.persisted, nil
}

// prepareInitialClusterState builds the state a node boots with: the
// not-recovered block installed, the local node registered, unknown
// persisted settings archived.
func (g *Gateway) prepareInitialClusterState(ctx context.Context, term proto.Term, md *meta.ClusterMetadata) *state.ClusterState {
	b := meta.NewBuilder(md)
	if state.ArchiveUnknownSettings(b, md) {
		md = b.Build()
		trace.SpanFromContextSafe(ctx).Info("archived unrecognized persisted settings")
	}

	st := state.NewClusterState(term, md, g.cfg.LocalNode.ID).
		WithGlobalBlock(state.StateNotRecoveredBlock).
		WithNode(g.cfg.LocalNode)
	return st
}

func (g *Gateway) PersistedState() state.PersistedState {
	return g.persisted
}

func (g *Gateway) Close() error {
	if atomic.LoadUint32(&g.started) == 0 {
		return apierrors.ErrNotStarted
	}
	if g.persisted != nil {
		g.persisted.Close()
	}
	return g.lock.Release()
}
