package raft

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/stellardb/stellardb/common/kvstore"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	groupPrefix    = []byte("g")
	logIndexInfix  = []byte("i")
	hardStateInfix = []byte("h")
)

type storageConfig struct {
	id      uint64
	members []Member
	raw     Storage
	sm      StateMachine
}

func newStorage(cfg storageConfig) (*storage, error) {
	hs := raftpb.HardState{}
	value, err := cfg.raw.Get(encodeHardStateKey(cfg.id))
	if err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	if err == nil {
		if err := hs.Unmarshal(value); err != nil {
			return nil, err
		}
	}

	storage := &storage{
		id:           cfg.id,
		hardState:    hs,
		rawStg:       cfg.raw,
		stateMachine: cfg.sm,
	}
	members := make(map[uint64]Member)
	for i := range cfg.members {
		members[cfg.members[i].NodeID] = cfg.members[i]
	}
	storage.membersMu.members = members
	storage.updateConfState()

	return storage, nil
}

type storage struct {
	id           uint64
	firstIndex   uint64
	lastIndex    uint64
	appliedIndex uint64
	truncIndex   uint64
	hardState    raftpb.HardState
	membersMu    struct {
		sync.RWMutex
		members map[uint64]Member
		cs      raftpb.ConfState
	}

	rawStg       Storage
	stateMachine StateMachine
}

// InitialState returns the saved HardState and ConfState information.
func (s *storage) InitialState() (hs raftpb.HardState, cs raftpb.ConfState, err error) {
	s.membersMu.RLock()
	cs = s.membersMu.cs
	s.membersMu.RUnlock()
	return s.hardState, cs, nil
}

// Entries returns a slice of log entries in the range [lo,hi).
// maxSize limits the number of entries returned, but at least one
// entry is returned if any exists.
func (s *storage) Entries(lo, hi, maxSize uint64) (ret []raftpb.Entry, err error) {
	if lo <= atomic.LoadUint64(&s.truncIndex) {
		return nil, etcdraft.ErrCompacted
	}

	iter := s.rawStg.Iter(encodeIndexLogKey(s.id, lo))
	defer iter.Close()

	for {
		_, value, err := iter.ReadNext()
		if err != nil {
			return nil, err
		}
		if value == nil {
			break
		}

		entry := raftpb.Entry{}
		if err := entry.Unmarshal(value); err != nil {
			return nil, err
		}
		if entry.Index >= hi {
			break
		}
		ret = append(ret, entry)

		if maxSize > 0 && uint64(len(ret)) >= maxSize {
			break
		}
	}

	return
}

// Term returns the term of entry i, which must be in the range
// [FirstIndex()-1, LastIndex()].
func (s *storage) Term(i uint64) (uint64, error) {
	value, err := s.rawStg.Get(encodeIndexLogKey(s.id, i))
	if err == kvstore.ErrNotFound {
		return 0, etcdraft.ErrCompacted
	}
	if err != nil {
		return 0, err
	}

	entry := raftpb.Entry{}
	if err := entry.Unmarshal(value); err != nil {
		return 0, err
	}

	return entry.Term, nil
}

// LastIndex returns the index of the last entry in the log.
func (s *storage) LastIndex() (uint64, error) {
	if last := atomic.LoadUint64(&s.lastIndex); last > 0 {
		return last, nil
	}

	iter := s.rawStg.Iter(encodeIndexLogKey(s.id, 0))
	defer iter.Close()

	_, value, err := iter.ReadLast()
	if err != nil {
		return 0, err
	}
	if value == nil {
		return atomic.LoadUint64(&s.truncIndex), nil
	}

	entry := raftpb.Entry{}
	if err := entry.Unmarshal(value); err != nil {
		return 0, err
	}

	atomic.StoreUint64(&s.lastIndex, entry.Index)
	return entry.Index, nil
}

// FirstIndex returns the index of the first log entry that is possibly
// available via Entries. Older entries have been incorporated into the
// latest snapshot.
func (s *storage) FirstIndex() (uint64, error) {
	if first := atomic.LoadUint64(&s.firstIndex); first > 0 {
		return first, nil
	}

	iter := s.rawStg.Iter(encodeIndexLogKey(s.id, 0))
	defer iter.Close()

	_, value, err := iter.ReadNext()
	if err != nil {
		return 0, err
	}
	if value == nil {
		return atomic.LoadUint64(&s.truncIndex) + 1, nil
	}

	entry := raftpb.Entry{}
	if err := entry.Unmarshal(value); err != nil {
		return 0, err
	}

	atomic.StoreUint64(&s.firstIndex, entry.Index)
	return entry.Index, nil
}

// Snapshot builds a raft snapshot from the state machine. The payload
// goes inline in the message, there is no separate snapshot stream.
func (s *storage) Snapshot() (raftpb.Snapshot, error) {
	s.membersMu.RLock()
	cs := s.membersMu.cs
	s.membersMu.RUnlock()

	smSnap, err := s.stateMachine.Snapshot()
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	term := smSnap.Term
	if term == 0 {
		if term, err = s.Term(smSnap.Index); err != nil {
			return raftpb.Snapshot{}, etcdraft.ErrSnapshotTemporarilyUnavailable
		}
	}

	data, err := encodeSnapshot(smSnap)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	return raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			ConfState: cs,
			Index:     smSnap.Index,
			Term:      term,
		},
	}, nil
}

func (s *storage) AppliedIndex() uint64 {
	return atomic.LoadUint64(&s.appliedIndex)
}

func (s *storage) SetAppliedIndex(index uint64) {
	atomic.StoreUint64(&s.appliedIndex, index)
}

// SaveHardStateAndEntries is called by the ready loop only.
func (s *storage) SaveHardStateAndEntries(hs raftpb.HardState, entries []raftpb.Entry) error {
	batch := s.rawStg.NewBatch()
	defer batch.Close()

	if !etcdraft.IsEmptyHardState(hs) {
		value, err := hs.Marshal()
		if err != nil {
			return err
		}
		batch.Put(encodeHardStateKey(s.id), value)
	}

	lastIndex := uint64(0)
	for i := range entries {
		key := encodeIndexLogKey(s.id, entries[i].Index)
		value, err := entries[i].Marshal()
		if err != nil {
			return err
		}
		batch.Put(key, value)
		lastIndex = entries[i].Index
	}
	if err := s.rawStg.Write(batch); err != nil {
		return err
	}

	// update last index after save new entries
	if lastIndex > 0 {
		atomic.StoreUint64(&s.lastIndex, lastIndex)
	}

	if !etcdraft.IsEmptyHardState(hs) {
		s.hardState = hs
	}
	return nil
}

// ApplySnapshotMeta resets the log boundaries after a snapshot install.
func (s *storage) ApplySnapshotMeta(meta raftpb.SnapshotMetadata) error {
	batch := s.rawStg.NewBatch()
	defer batch.Close()
	batch.DeleteRange(encodeIndexLogKey(s.id, 0), encodeIndexLogKey(s.id, ^uint64(0)))
	if err := s.rawStg.Write(batch); err != nil {
		return err
	}

	atomic.StoreUint64(&s.truncIndex, meta.Index)
	atomic.StoreUint64(&s.firstIndex, 0)
	atomic.StoreUint64(&s.lastIndex, meta.Index)
	s.SetAppliedIndex(meta.Index)

	s.membersMu.Lock()
	s.membersMu.cs = meta.ConfState
	s.membersMu.Unlock()
	return nil
}

// Truncate may be called by the top level application concurrently
// with the ready loop.
func (s *storage) Truncate(ctx context.Context, index uint64) error {
	batch := s.rawStg.NewBatch()
	defer batch.Close()
	batch.DeleteRange(encodeIndexLogKey(s.id, 0), encodeIndexLogKey(s.id, index))
	if err := s.rawStg.Write(batch); err != nil {
		return err
	}

	for {
		trunc := atomic.LoadUint64(&s.truncIndex)
		if trunc >= index-1 {
			break
		}
		if atomic.CompareAndSwapUint64(&s.truncIndex, trunc, index-1) {
			break
		}
	}

	// update first index after truncating the wal log
	for {
		firstIndex := atomic.LoadUint64(&s.firstIndex)
		if firstIndex > index {
			return nil
		}
		if atomic.CompareAndSwapUint64(&s.firstIndex, firstIndex, index) {
			return nil
		}
	}
}

func (s *storage) MemberChange(member *Member) {
	s.membersMu.Lock()
	switch member.Type {
	case MemberChangeType_RemoveMember:
		delete(s.membersMu.members, member.NodeID)
	default:
		s.membersMu.members[member.NodeID] = *member
	}
	s.membersMu.cs = raftpb.ConfState{}
	s.updateConfStateLocked()
	s.membersMu.Unlock()
}

func (s *storage) Members() []Member {
	s.membersMu.RLock()
	defer s.membersMu.RUnlock()
	members := make([]Member, 0, len(s.membersMu.members))
	for _, m := range s.membersMu.members {
		members = append(members, m)
	}
	return members
}

func (s *storage) IsMember(nodeID uint64) bool {
	s.membersMu.RLock()
	defer s.membersMu.RUnlock()
	_, ok := s.membersMu.members[nodeID]
	return ok
}

func (s *storage) updateConfState() {
	s.membersMu.Lock()
	s.updateConfStateLocked()
	s.membersMu.Unlock()
}

func (s *storage) updateConfStateLocked() {
	for _, m := range s.membersMu.members {
		if m.Learner {
			s.membersMu.cs.Learners = append(s.membersMu.cs.Learners, m.NodeID)
		} else {
			s.membersMu.cs.Voters = append(s.membersMu.cs.Voters, m.NodeID)
		}
	}
}

func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	b := make([]byte, 16+len(snap.Data))
	binary.BigEndian.PutUint64(b, snap.Index)
	binary.BigEndian.PutUint64(b[8:], snap.Term)
	copy(b[16:], snap.Data)
	return b, nil
}

func decodeSnapshot(raw []byte) (*Snapshot, error) {
	if len(raw) < 16 {
		return nil, errSnapshotTooShort
	}
	return &Snapshot{
		Index: binary.BigEndian.Uint64(raw),
		Term:  binary.BigEndian.Uint64(raw[8:]),
		Data:  raw[16:],
	}, nil
}

func encodeIndexLogKey(id uint64, index uint64) []byte {
	b := make([]byte, 8+8+len(groupPrefix)+len(logIndexInfix))
	copy(b, groupPrefix)
	binary.BigEndian.PutUint64(b[len(groupPrefix):], id)
	copy(b[8+len(groupPrefix):], logIndexInfix)
	binary.BigEndian.PutUint64(b[8+len(groupPrefix)+len(logIndexInfix):], index)

	return b
}

func encodeHardStateKey(id uint64) []byte {
	b := make([]byte, 8+len(groupPrefix)+len(hardStateInfix))
	copy(b, groupPrefix)
	binary.BigEndian.PutUint64(b[len(groupPrefix):], id)
	copy(b[8+len(groupPrefix):], hardStateInfix)

	return b
}
