package raft

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	defaultTickIntervalMs  = 200
	defaultElectionTick    = 10
	defaultHeartbeatTick   = 1
	defaultMaxSizePerMsg   = 64 * 1024 * 1024
	defaultMaxInflightMsgs = 128
)

type Config struct {
	NodeID          uint64   `json:"node_id"`
	GroupID         uint64   `json:"group_id"`
	TickIntervalMs  int      `json:"tick_interval_ms"`
	ElectionTick    int      `json:"election_tick"`
	HeartbeatTick   int      `json:"heartbeat_tick"`
	MaxSizePerMsg   uint64   `json:"max_size_per_msg"`
	MaxInflightMsgs int      `json:"max_inflight_msgs"`
	Members         []Member `json:"members"`

	Applied   uint64          `json:"-"`
	SM        StateMachine    `json:"-"`
	Storage   Storage         `json:"-"`
	Resolver  AddressResolver `json:"-"`
	Transport Transport       `json:"-"`
}

type (
	notify         chan proposalResult
	proposalResult struct {
		reply interface{}
		err   error
	}
	confChangeContext struct {
		Member     Member `json:"member"`
		ProposerID uint64 `json:"proposer_id"`
		NotifyID   uint64 `json:"notify_id"`
	}
)

func newNotify() notify { return make(notify, 1) }

func (n notify) Notify(ret proposalResult) {
	select {
	case n <- ret:
	default:
	}
}

func (n notify) Wait(ctx context.Context, stopC <-chan struct{}) (proposalResult, error) {
	select {
	case <-ctx.Done():
		return proposalResult{}, ctx.Err()
	case <-stopC:
		return proposalResult{}, ErrGroupClosed
	case ret := <-n:
		return ret, nil
	}
}

type group struct {
	id        uint64
	nodeID    uint64
	rawNodeMu struct {
		sync.Mutex
		rawNode *etcdraft.RawNode
	}
	notifies     sync.Map
	nextNotifyID uint64
	leader       uint64

	cfg       *Config
	sm        StateMachine
	storage   *storage
	transport Transport
	signalC   chan struct{}
	stopC     chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewGroup builds a single raft group over the given storage and state
// machine. Start must be called before the group makes any progress.
func NewGroup(cfg *Config) (Group, error) {
	if cfg.GroupID == 0 {
		cfg.GroupID = 1
	}
	if cfg.TickIntervalMs <= 0 {
		cfg.TickIntervalMs = defaultTickIntervalMs
	}
	if cfg.ElectionTick <= 0 {
		cfg.ElectionTick = defaultElectionTick
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = defaultHeartbeatTick
	}
	if cfg.MaxSizePerMsg == 0 {
		cfg.MaxSizePerMsg = defaultMaxSizePerMsg
	}
	if cfg.MaxInflightMsgs <= 0 {
		cfg.MaxInflightMsgs = defaultMaxInflightMsgs
	}

	stg, err := newStorage(storageConfig{
		id:      cfg.GroupID,
		members: cfg.Members,
		raw:     cfg.Storage,
		sm:      cfg.SM,
	})
	if err != nil {
		return nil, errors.Info(err, "init raft storage failed")
	}
	stg.SetAppliedIndex(cfg.Applied)

	rn, err := etcdraft.NewRawNode(&etcdraft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         stg,
		Applied:         cfg.Applied,
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		PreVote:         true,
		CheckQuorum:     true,
		Logger:          raftLogger{},
	})
	if err != nil {
		return nil, err
	}

	g := &group{
		id:        cfg.GroupID,
		nodeID:    cfg.NodeID,
		cfg:       cfg,
		sm:        cfg.SM,
		storage:   stg,
		transport: cfg.Transport,
		signalC:   make(chan struct{}, 1),
		stopC:     make(chan struct{}),
	}
	g.rawNodeMu.rawNode = rn
	if g.transport == nil {
		g.transport = NewNoopTransport()
	}
	g.transport.SetHandler(g.handleRaftMessage)

	// bootstrap a fresh log with the configured voters
	lastIndex, err := stg.LastIndex()
	if err != nil {
		return nil, err
	}
	if etcdraft.IsEmptyHardState(stg.hardState) && lastIndex == 0 {
		peers := make([]etcdraft.Peer, 0, len(cfg.Members))
		for _, m := range cfg.Members {
			if m.Learner {
				continue
			}
			context, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			peers = append(peers, etcdraft.Peer{ID: m.NodeID, Context: context})
		}
		if err := rn.Bootstrap(peers); err != nil {
			return nil, errors.Info(err, "bootstrap raft group failed")
		}
	}

	return g, nil
}

func (g *group) Start() {
	g.startOnce.Do(func() {
		go g.run()
	})
}

func (g *group) Propose(ctx context.Context, data *ProposalData) (resp ProposalResponse, err error) {
	if g.closed() {
		return resp, ErrGroupClosed
	}
	data.ProposerID = g.nodeID
	data.NotifyID = g.nextID()
	if span := trace.SpanFromContext(ctx); span != nil {
		data.ReqID = span.TraceID()
	}

	raw, err := data.Marshal()
	if err != nil {
		return
	}

	n := newNotify()
	g.addNotify(data.NotifyID, n)

	if err = g.withRawNode(func(rn *etcdraft.RawNode) error {
		return rn.Propose(raw)
	}); err != nil {
		g.notifies.Delete(data.NotifyID)
		if err == etcdraft.ErrProposalDropped {
			err = ErrProposeDropped
		}
		return
	}
	g.signal()

	ret, err := n.Wait(ctx, g.stopC)
	if err != nil {
		return
	}
	if ret.err != nil {
		return resp, ret.err
	}
	return ProposalResponse{Data: ret.reply}, nil
}

func (g *group) ReadIndex(ctx context.Context) error {
	if g.closed() {
		return ErrGroupClosed
	}
	notifyID := g.nextID()
	n := newNotify()
	g.addNotify(notifyID, n)

	if err := g.withRawNode(func(rn *etcdraft.RawNode) error {
		rn.ReadIndex(notifyIDToBytes(notifyID))
		return nil
	}); err != nil {
		g.notifies.Delete(notifyID)
		return err
	}
	g.signal()

	ret, err := n.Wait(ctx, g.stopC)
	if err != nil {
		return err
	}
	return ret.err
}

func (g *group) MemberChange(ctx context.Context, mc *Member) error {
	if g.closed() {
		return ErrGroupClosed
	}
	if mc.Type == MemberChangeType_RemoveMember && !g.storage.IsMember(mc.NodeID) {
		return ErrNoSuchMember
	}
	ccc := confChangeContext{
		Member:     *mc,
		ProposerID: g.nodeID,
		NotifyID:   g.nextID(),
	}
	context, err := json.Marshal(ccc)
	if err != nil {
		return err
	}

	ccType := raftpb.ConfChangeAddNode
	switch {
	case mc.Type == MemberChangeType_RemoveMember:
		ccType = raftpb.ConfChangeRemoveNode
	case mc.Learner:
		ccType = raftpb.ConfChangeAddLearnerNode
	}

	n := newNotify()
	g.addNotify(ccc.NotifyID, n)

	if err = g.withRawNode(func(rn *etcdraft.RawNode) error {
		return rn.ProposeConfChange(raftpb.ConfChange{
			Type:    ccType,
			NodeID:  mc.NodeID,
			Context: context,
		})
	}); err != nil {
		g.notifies.Delete(ccc.NotifyID)
		return err
	}
	g.signal()

	ret, err := n.Wait(ctx, g.stopC)
	if err != nil {
		return err
	}
	return ret.err
}

func (g *group) LeaderTransfer(ctx context.Context, peerID uint64) error {
	err := g.withRawNode(func(rn *etcdraft.RawNode) error {
		rn.TransferLeader(peerID)
		return nil
	})
	g.signal()
	return err
}

func (g *group) Truncate(ctx context.Context, index uint64) error {
	return g.storage.Truncate(ctx, index)
}

func (g *group) Stat() (*Stat, error) {
	var status etcdraft.Status
	if err := g.withRawNode(func(rn *etcdraft.RawNode) error {
		status = rn.Status()
		return nil
	}); err != nil {
		return nil, err
	}

	stat := &Stat{
		Id:             status.ID,
		Term:           status.Term,
		Vote:           status.Vote,
		Commit:         status.Commit,
		Leader:         status.Lead,
		RaftState:      status.RaftState.String(),
		Applied:        g.storage.AppliedIndex(),
		LeadTransferee: status.LeadTransferee,
	}
	for _, m := range g.storage.Members() {
		stat.Peers = append(stat.Peers, m.NodeID)
	}
	return stat, nil
}

func (g *group) Close() error {
	g.closeOnce.Do(func() {
		close(g.stopC)
		g.transport.Close()
	})
	return nil
}

func (g *group) closed() bool {
	select {
	case <-g.stopC:
		return true
	default:
		return false
	}
}

func (g *group) Leader() uint64 {
	return atomic.LoadUint64(&g.leader)
}

func (g *group) run() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	ticker := time.NewTicker(time.Duration(g.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopC:
			return
		case <-ticker.C:
			g.withRawNode(func(rn *etcdraft.RawNode) error {
				rn.Tick()
				return nil
			})
		case <-g.signalC:
		}

		for {
			var (
				rd       etcdraft.Ready
				hasReady bool
			)
			g.withRawNode(func(rn *etcdraft.RawNode) error {
				if rn.HasReady() {
					rd = rn.Ready()
					hasReady = true
				}
				return nil
			})
			if !hasReady {
				break
			}

			if err := g.processReady(ctx, rd); err != nil {
				span.Fatalf("process raft ready failed: %s", err)
			}

			g.withRawNode(func(rn *etcdraft.RawNode) error {
				rn.Advance(rd)
				return nil
			})
		}
	}
}

func (g *group) processReady(ctx context.Context, rd etcdraft.Ready) error {
	span := trace.SpanFromContextSafe(ctx)

	if rd.SoftState != nil {
		leader := rd.SoftState.Lead
		atomic.StoreUint64(&g.leader, leader)
		if err := g.sm.LeaderChange(leader); err != nil {
			return errors.Info(err, "apply leader change failed")
		}
	}

	if err := g.storage.SaveHardStateAndEntries(rd.HardState, rd.Entries); err != nil {
		return errors.Info(err, "save hard state and entries failed")
	}

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		snap, err := decodeSnapshot(rd.Snapshot.Data)
		if err != nil {
			return err
		}
		snap.Term = rd.Snapshot.Metadata.Term
		if snap.Index == 0 {
			snap.Index = rd.Snapshot.Metadata.Index
		}
		if err := g.sm.ApplySnapshot(ctx, snap); err != nil {
			return errors.Info(err, "apply snapshot to state machine failed")
		}
		if err := g.storage.ApplySnapshotMeta(rd.Snapshot.Metadata); err != nil {
			return errors.Info(err, "apply snapshot meta failed")
		}
		span.Infof("installed raft snapshot at index %d", rd.Snapshot.Metadata.Index)
	}

	if len(rd.Messages) > 0 {
		g.transport.Send(ctx, rd.Messages)
	}

	if err := g.applyCommittedEntries(ctx, rd.CommittedEntries); err != nil {
		return err
	}

	for _, rs := range rd.ReadStates {
		g.doNotify(bytesToNotifyID(rs.RequestCtx), proposalResult{})
	}

	return nil
}

func (g *group) applyCommittedEntries(ctx context.Context, entries []raftpb.Entry) error {
	pds := make([]ProposalData, 0, len(entries))
	latestIndex := uint64(0)

	flush := func() error {
		if len(pds) == 0 {
			return nil
		}
		rets, err := g.sm.Apply(ctx, pds, latestIndex)
		if err != nil {
			return errors.Info(err, "apply to state machine failed")
		}
		for i := range pds {
			if pds[i].ProposerID != g.nodeID {
				continue
			}
			var reply interface{}
			if i < len(rets) {
				reply = rets[i]
			}
			g.doNotify(pds[i].NotifyID, proposalResult{reply: reply})
		}
		pds = pds[:0]
		return nil
	}

	for i := range entries {
		latestIndex = entries[i].Index

		switch entries[i].Type {
		case raftpb.EntryConfChange:
			// apply pending normal entries before the conf change
			if err := flush(); err != nil {
				return err
			}
			if err := g.applyConfChange(ctx, entries[i]); err != nil {
				return errors.Info(err, "apply conf change to state machine failed")
			}
		case raftpb.EntryNormal:
			if len(entries[i].Data) == 0 {
				continue
			}
			pd := ProposalData{}
			if err := pd.Unmarshal(entries[i].Data); err != nil {
				return errors.Info(err, "unmarshal proposal data failed")
			}
			pds = append(pds, pd)
		}
	}

	if err := flush(); err != nil {
		return err
	}

	if latestIndex > 0 {
		g.storage.SetAppliedIndex(latestIndex)
	}
	return nil
}

func (g *group) applyConfChange(ctx context.Context, entry raftpb.Entry) error {
	span := trace.SpanFromContextSafe(ctx)

	cc := raftpb.ConfChange{}
	if err := cc.Unmarshal(entry.Data); err != nil {
		span.Fatalf("unmarshal conf change failed: %s", err)
		return err
	}

	g.withRawNode(func(rn *etcdraft.RawNode) error {
		rn.ApplyConfChange(cc)
		return nil
	})

	if len(cc.Context) == 0 {
		return nil
	}

	ccc := confChangeContext{}
	if err := json.Unmarshal(cc.Context, &ccc); err != nil {
		// bootstrap entries carry a bare member
		if err := json.Unmarshal(cc.Context, &ccc.Member); err != nil {
			return err
		}
	}

	member := ccc.Member
	if err := g.sm.ApplyMemberChange(&member, entry.Index); err != nil {
		return err
	}
	g.storage.MemberChange(&member)

	if ccc.ProposerID == g.nodeID && ccc.NotifyID != 0 {
		g.doNotify(ccc.NotifyID, proposalResult{})
	}
	return nil
}

func (g *group) handleRaftMessage(ctx context.Context, msg raftpb.Message) error {
	if msg.To != g.nodeID {
		return errors.Newf("message to node %d routed to node %d", msg.To, g.nodeID)
	}
	err := g.withRawNode(func(rn *etcdraft.RawNode) error {
		return rn.Step(msg)
	})
	g.signal()
	return err
}

func (g *group) withRawNode(f func(rn *etcdraft.RawNode) error) error {
	g.rawNodeMu.Lock()
	defer g.rawNodeMu.Unlock()
	return f(g.rawNodeMu.rawNode)
}

func (g *group) signal() {
	select {
	case g.signalC <- struct{}{}:
	default:
	}
}

func (g *group) nextID() uint64 {
	return atomic.AddUint64(&g.nextNotifyID, 1)
}

func (g *group) addNotify(notifyID uint64, n notify) {
	g.notifies.Store(notifyID, n)
}

func (g *group) doNotify(notifyID uint64, ret proposalResult) {
	n, ok := g.notifies.LoadAndDelete(notifyID)
	if !ok {
		return
	}
	n.(notify).Notify(ret)
}

func notifyIDToBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func bytesToNotifyID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// raftLogger adapts the shared logging package to the etcd raft logger.
type raftLogger struct{}

func (raftLogger) Debug(v ...interface{})                   { log.Debug(v...) }
func (raftLogger) Debugf(format string, v ...interface{})   { log.Debugf(format, v...) }
func (raftLogger) Info(v ...interface{})                    { log.Info(v...) }
func (raftLogger) Infof(format string, v ...interface{})    { log.Infof(format, v...) }
func (raftLogger) Warning(v ...interface{})                 { log.Warn(v...) }
func (raftLogger) Warningf(format string, v ...interface{}) { log.Warnf(format, v...) }
func (raftLogger) Error(v ...interface{})                   { log.Error(v...) }
func (raftLogger) Errorf(format string, v ...interface{})   { log.Errorf(format, v...) }
func (raftLogger) Fatal(v ...interface{})                   { log.Fatal(v...) }
func (raftLogger) Fatalf(format string, v ...interface{})   { log.Fatalf(format, v...) }
func (raftLogger) Panic(v ...interface{})                   { log.Fatal(v...) }
func (raftLogger) Panicf(format string, v ...interface{})   { log.Fatalf(format, v...) }
