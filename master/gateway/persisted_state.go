package gateway

import (
	"context"
	"sync"

	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/proto"
)

// diskPersistedState is the durable PersistedState master and data
// nodes run on. Writes go to the kv column family before the in-memory
// copy moves, a crash between the two replays from disk.
type diskPersistedState struct {
	mu      sync.Mutex
	storage *storage

	term  proto.Term
	state *state.ClusterState

	closed bool
}

func newDiskPersistedState(storage *storage, term proto.Term, st *state.ClusterState) *diskPersistedState {
	return &diskPersistedState{storage: storage, term: term, state: st}
}

func (p *diskPersistedState) CurrentTerm() proto.Term {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term
}

func (p *diskPersistedState) LastAcceptedState() *state.ClusterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *diskPersistedState) SetCurrentTerm(term proto.Term) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.storage.PutTerm(context.Background(), term); err != nil {
		return err
	}
	p.term = term
	return nil
}

func (p *diskPersistedState) SetLastAcceptedState(st *state.ClusterState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.storage.PutState(context.Background(), st.Term, st.Metadata); err != nil {
		return err
	}
	p.term = st.Term
	p.state = st
	return nil
}

func (p *diskPersistedState) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// memoryPersistedState backs coordinator-only nodes. They never own
// the authoritative copy, the elected master streams them the real
// state after they join.
type memoryPersistedState struct {
	mu    sync.Mutex
	term  proto.Term
	state *state.ClusterState
}

func newMemoryPersistedState(term proto.Term, st *state.ClusterState) *memoryPersistedState {
	return &memoryPersistedState{term: term, state: st}
}

func (p *memoryPersistedState) CurrentTerm() proto.Term {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term
}

func (p *memoryPersistedState) LastAcceptedState() *state.ClusterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *memoryPersistedState) SetCurrentTerm(term proto.Term) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.term = term
	return nil
}

func (p *memoryPersistedState) SetLastAcceptedState(st *state.ClusterState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.term = st.Term
	p.state = st
	return nil
}

func (p *memoryPersistedState) Close() error { return nil }
