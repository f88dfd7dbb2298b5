package master

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/stellardb/stellardb/common/kvstore"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/master/store"
	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/raft"
)

const (
	defaultTruncateNumInterval = uint64(10000)

	LocalCF   = kvstore.CF("local_cf")
	RaftWalCF = kvstore.CF("raft-wal")
)

var (
	ApplyIndexKey = []byte("raft_apply_index")
	RaftMemberKey = []byte("#raft_members")
)

type (
	RaftNodeCfg struct {
		Members             []raft.Member `json:"members"`
		RaftConfig          raft.Config   `json:"raft_config"`
		TruncateNumInterval uint64        `json:"truncate_num_interval"`
	}

	RaftMembers struct {
		Mbs []raft.Member `json:"members"`
	}

	// stateSnapshotter hands out and installs full copies of the
	// cluster state. Metadata is small enough to ship inline with the
	// raft snapshot message.
	stateSnapshotter interface {
		StateSnapshot() (proto.Term, *meta.ClusterMetadata)
		InstallStateSnapshot(term proto.Term, md *meta.ClusterMetadata) error
	}

	snapshotPayload struct {
		AppliedIndex uint64          `json:"applied_index"`
		Term         proto.Term      `json:"term"`
		Metadata     json.RawMessage `json:"metadata"`
		Members      []raft.Member   `json:"members"`
	}

	// raftNode multiplexes one raft group across the registered module
	// appliers and keeps the applied index and member list durable.
	raftNode struct {
		sms          map[string]raft.Applier
		store        *store.Store
		snapshotter  stateSnapshotter
		appliedIndex uint64
		lastTruncIdx uint64
		nodes        *nodeManager
		raftGroup    raft.Group
		transport    raft.Transport
		cfg          *RaftNodeCfg
		stopC        chan struct{}
	}
)

func newRaftNode(ctx context.Context, cfg *RaftNodeCfg, kv *store.Store, snapshotter stateSnapshotter) (*raftNode, error) {
	span := trace.SpanFromContextSafe(ctx)

	if cfg.RaftConfig.NodeID == 0 {
		return nil, fmt.Errorf("raft node id can't be zero")
	}
	if cfg.TruncateNumInterval == 0 {
		cfg.TruncateNumInterval = defaultTruncateNumInterval
	}

	r := &raftNode{
		sms:         make(map[string]raft.Applier),
		store:       kv,
		snapshotter: snapshotter,
		cfg:         cfg,
		stopC:       make(chan struct{}),
	}

	for _, cf := range []kvstore.CF{LocalCF} {
		if !kv.KVStore().CheckColumns(cf) {
			if err := kv.KVStore().CreateColumn(cf); err != nil {
				return nil, err
			}
		}
	}
	if !kv.RaftStore().CheckColumns(RaftWalCF) {
		if err := kv.RaftStore().CreateColumn(RaftWalCF); err != nil {
			return nil, err
		}
	}

	members, err := r.getRaftMembers(ctx)
	if err != nil {
		return nil, err
	}
	needWrite := false
	if len(members) == 0 {
		needWrite = true
		members = cfg.Members
	}

	r.nodes = &nodeManager{nodes: map[uint64]string{}}
	for _, m := range members {
		r.nodes.addNode(m.NodeID, m.Host)
	}
	if needWrite {
		if err = r.persistMembers(ctx, members); err != nil {
			return nil, err
		}
	}

	if err = r.loadApplyIdx(ctx); err != nil {
		return nil, err
	}
	r.lastTruncIdx = atomic.LoadUint64(&r.appliedIndex)

	cfg.RaftConfig.Members = members
	cfg.RaftConfig.Applied = atomic.LoadUint64(&r.appliedIndex)
	cfg.RaftConfig.Storage = &raftStorage{kvStore: kv.RaftStore()}
	cfg.RaftConfig.Resolver = &addressResolver{r.nodes}
	cfg.RaftConfig.SM = r

	// single voter groups run on the noop transport
	if len(members) > 1 {
		r.transport = raft.NewTransport(&raft.TransportConfig{Resolver: cfg.RaftConfig.Resolver})
		cfg.RaftConfig.Transport = r.transport
	}

	span.Infof("new raft node success, members %d applied %d", len(members), cfg.RaftConfig.Applied)
	return r, nil
}

func (r *raftNode) start(ctx context.Context) error {
	group, err := raft.NewGroup(&r.cfg.RaftConfig)
	if err != nil {
		return err
	}
	r.raftGroup = group
	group.Start()
	go r.truncJob()
	return nil
}

func (r *raftNode) waitForRaftStart(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for {
		select {
		case <-r.stopC:
			return
		default:
		}
		if err := r.raftGroup.ReadIndex(ctx); err == nil {
			break
		} else {
			span.Error("raft node read index failed: ", err)
		}
	}
	span.Info("raft start success")
}

func (r *raftNode) addApplier(module string, a raft.Applier) {
	r.sms[module] = a
}

func (r *raftNode) close() {
	close(r.stopC)
	if r.raftGroup != nil {
		r.raftGroup.Close()
	}
}

func (r *raftNode) truncJob() {
	ctx := context.Background()
	span := trace.SpanFromContextSafe(ctx)

	trunc := func() {
		applied := atomic.LoadUint64(&r.appliedIndex)
		if applied == r.lastTruncIdx || applied <= r.cfg.TruncateNumInterval {
			return
		}

		if err := r.persistApplyIdx(ctx); err != nil {
			span.Errorf("persist apply idx failed, err %s", err.Error())
			return
		}
		if err := r.raftGroup.Truncate(ctx, applied-r.cfg.TruncateNumInterval); err != nil {
			span.Errorf("trunc raft log failed, applyId %d, err %s", applied, err.Error())
			return
		}
		r.lastTruncIdx = applied
		span.Infof("execute trunc success, applyId %d", applied)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopC:
			return
		case <-ticker.C:
			trunc()
		}
	}
}

func (r *raftNode) loadApplyIdx(ctx context.Context) error {
	val, err := r.store.KVStore().GetRaw(ctx, LocalCF, ApplyIndexKey, nil)
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if len(val) == 0 {
		return nil
	}
	if len(val) != 8 {
		return fmt.Errorf("apply idx malformed, size %d", len(val))
	}

	atomic.StoreUint64(&r.appliedIndex, binary.BigEndian.Uint64(val[:8]))
	return nil
}

func (r *raftNode) persistApplyIdx(ctx context.Context) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, atomic.LoadUint64(&r.appliedIndex))
	return r.store.KVStore().SetRaw(ctx, LocalCF, ApplyIndexKey, val, nil)
}

func (r *raftNode) getRaftMembers(ctx context.Context) ([]raft.Member, error) {
	val, err := r.store.KVStore().GetRaw(ctx, LocalCF, RaftMemberKey, nil)
	if err == kvstore.ErrNotFound {
		return []raft.Member{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, nil
	}

	mbrs := &RaftMembers{}
	if err = json.Unmarshal(val, mbrs); err != nil {
		return nil, err
	}
	return mbrs.Mbs, nil
}

func (r *raftNode) persistMembers(ctx context.Context, members []raft.Member) error {
	mbrs := &RaftMembers{Mbs: append([]raft.Member{}, members...)}
	val, err := json.Marshal(mbrs)
	if err != nil {
		return err
	}
	return r.store.KVStore().SetRaw(ctx, LocalCF, RaftMemberKey, val, nil)
}

func (r *raftNode) Apply(ctx context.Context, pds []raft.ProposalData, index uint64) (rets []interface{}, err error) {
	rets = make([]interface{}, len(pds))

	for i := range pds {
		pd := pds[i]
		sm := r.sms[string(pd.Module)]
		if sm == nil {
			return nil, fmt.Errorf("target module not exist, mod %s, op %d", pd.Module, pd.Op)
		}

		ret, err := sm.Apply(ctx, pd, index)
		if err != nil {
			return nil, err
		}
		rets[i] = ret
	}

	atomic.StoreUint64(&r.appliedIndex, index)
	return rets, nil
}

func (r *raftNode) LeaderChange(peerID uint64) error {
	for _, sm := range r.sms {
		if err := sm.LeaderChange(peerID); err != nil {
			return err
		}
	}
	return nil
}

func (r *raftNode) ApplyMemberChange(cc *raft.Member, index uint64) error {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	switch cc.Type {
	case raft.MemberChangeType_AddMember:
		if r.nodes.getNode(cc.NodeID) == "" {
			r.nodes.addNode(cc.NodeID, cc.Host)
		}
	case raft.MemberChangeType_RemoveMember:
		r.nodes.removeNode(cc.NodeID)
	}

	if err := r.persistMembers(ctx, r.nodes.getMembers()); err != nil {
		span.Errorf("persist members failed, err %s", err.Error())
		return err
	}
	return nil
}

func (r *raftNode) Snapshot() (*raft.Snapshot, error) {
	term, md := r.snapshotter.StateSnapshot()
	rawMD, err := md.Marshal()
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload{
		AppliedIndex: atomic.LoadUint64(&r.appliedIndex),
		Term:         term,
		Metadata:     rawMD,
		Members:      r.nodes.getMembers(),
	}
	data, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	return &raft.Snapshot{Index: payload.AppliedIndex, Data: data}, nil
}

func (r *raftNode) ApplySnapshot(ctx context.Context, snap *raft.Snapshot) error {
	span := trace.SpanFromContextSafe(ctx)

	payload := snapshotPayload{}
	if err := json.Unmarshal(snap.Data, &payload); err != nil {
		return err
	}
	md, err := meta.Unmarshal(payload.Metadata)
	if err != nil {
		return err
	}

	if err := r.snapshotter.InstallStateSnapshot(payload.Term, md); err != nil {
		return err
	}

	for _, m := range payload.Members {
		r.nodes.addNode(m.NodeID, m.Host)
	}
	if err := r.persistMembers(ctx, r.nodes.getMembers()); err != nil {
		return err
	}

	atomic.StoreUint64(&r.appliedIndex, snap.Index)
	if err := r.persistApplyIdx(ctx); err != nil {
		return err
	}

	span.Infof("installed state snapshot, term %d metadata version %d index %d",
		payload.Term, md.Version(), snap.Index)
	return nil
}

type nodeManager struct {
	nodes map[uint64]string
	nlk   sync.RWMutex
}

func (n *nodeManager) addNode(nodeId uint64, addr string) {
	n.nlk.Lock()
	defer n.nlk.Unlock()
	n.nodes[nodeId] = addr
}

func (n *nodeManager) removeNode(nodeId uint64) {
	n.nlk.Lock()
	defer n.nlk.Unlock()
	delete(n.nodes, nodeId)
}

func (n *nodeManager) getMembers() []raft.Member {
	n.nlk.RLock()
	defer n.nlk.RUnlock()

	mems := make([]raft.Member, 0, len(n.nodes))
	for id, m := range n.nodes {
		mems = append(mems, raft.Member{NodeID: id, Host: m})
	}
	return mems
}

func (n *nodeManager) getNode(nodeId uint64) string {
	n.nlk.RLock()
	defer n.nlk.RUnlock()
	return n.nodes[nodeId]
}

type addressResolver struct {
	*nodeManager
}

func (a *addressResolver) Resolve(ctx context.Context, nodeID uint64) (raft.Addr, error) {
	addr := a.getNode(nodeID)
	if addr == "" {
		return nil, fmt.Errorf("not found target addr, node Id %d", nodeID)
	}
	return nodeAddr{addr: addr}, nil
}

type nodeAddr struct {
	addr string
}

func (n nodeAddr) String() string {
	return n.addr
}

// raftStorage adapts the kv store to the raft wal storage interface.
type raftStorage struct {
	kvStore kvstore.Store
}

func (w *raftStorage) Get(key []byte) ([]byte, error) {
	return w.kvStore.GetRaw(context.TODO(), RaftWalCF, key, nil)
}

func (w *raftStorage) Put(key, value []byte) error {
	return w.kvStore.SetRaw(context.TODO(), RaftWalCF, key, value, nil)
}

func (w *raftStorage) Iter(prefix []byte) raft.Iterator {
	return raftIterator{lr: w.kvStore.List(context.TODO(), RaftWalCF, prefix, nil, nil)}
}

func (w *raftStorage) NewBatch() raft.Batch {
	return raftBatch{cf: RaftWalCF, batch: w.kvStore.NewWriteBatch()}
}

func (w *raftStorage) Write(b raft.Batch) error {
	return w.kvStore.Write(context.TODO(), b.(raftBatch).batch, nil)
}

type raftIterator struct {
	lr kvstore.ListReader
}

func (i raftIterator) ReadNext() (key []byte, val []byte, err error) {
	return i.lr.ReadNextCopy()
}

func (i raftIterator) ReadLast() (key []byte, val []byte, err error) {
	kg, vg, err := i.lr.ReadLast()
	if err != nil || kg == nil || vg == nil {
		return nil, nil, err
	}
	key = append([]byte{}, kg.Key()...)
	val = append([]byte{}, vg.Value()...)
	kg.Close()
	vg.Close()
	return key, val, nil
}

func (i raftIterator) Close() {
	i.lr.Close()
}

type raftBatch struct {
	cf    kvstore.CF
	batch kvstore.WriteBatch
}

func (t raftBatch) Put(key, value []byte) { t.batch.Put(t.cf, key, value) }

func (t raftBatch) DeleteRange(start []byte, end []byte) { t.batch.DeleteRange(t.cf, start, end) }

func (t raftBatch) Close() { t.batch.Close() }
