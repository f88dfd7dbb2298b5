package raft

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellardb/stellardb/common/kvstore"
)

type memRaftStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemRaftStorage() *memRaftStorage {
	return &memRaftStorage{data: map[string][]byte{}}
}

func (s *memRaftStorage) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return v, nil
}

func (s *memRaftStorage) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte{}, value...)
	return nil
}

func (s *memRaftStorage) Iter(prefix []byte) Iterator {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.Compare(k, string(prefix)) >= 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	iter := &memRaftIterator{}
	for _, k := range keys {
		iter.keys = append(iter.keys, []byte(k))
		iter.values = append(iter.values, append([]byte{}, s.data[k]...))
	}
	return iter
}

func (s *memRaftStorage) NewBatch() Batch { return &memRaftBatch{stg: s} }

func (s *memRaftStorage) Write(b Batch) error {
	for _, op := range b.(*memRaftBatch).ops {
		op()
	}
	return nil
}

type memRaftIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

func (i *memRaftIterator) ReadNext() ([]byte, []byte, error) {
	if i.pos >= len(i.keys) {
		return nil, nil, nil
	}
	k, v := i.keys[i.pos], i.values[i.pos]
	i.pos++
	return k, v, nil
}

func (i *memRaftIterator) ReadLast() ([]byte, []byte, error) {
	if len(i.keys) == 0 {
		return nil, nil, nil
	}
	return i.keys[len(i.keys)-1], i.values[len(i.keys)-1], nil
}

func (i *memRaftIterator) Close() {}

type memRaftBatch struct {
	stg *memRaftStorage
	ops []func()
}

func (b *memRaftBatch) Put(key, value []byte) {
	k, v := append([]byte{}, key...), append([]byte{}, value...)
	b.ops = append(b.ops, func() {
		b.stg.mu.Lock()
		b.stg.data[string(k)] = v
		b.stg.mu.Unlock()
	})
}

func (b *memRaftBatch) DeleteRange(start, end []byte) {
	s, e := string(start), string(end)
	b.ops = append(b.ops, func() {
		b.stg.mu.Lock()
		for k := range b.stg.data {
			if k >= s && k < e {
				delete(b.stg.data, k)
			}
		}
		b.stg.mu.Unlock()
	})
}

func (b *memRaftBatch) Close() {}

type nopSM struct{}

func (nopSM) Apply(ctx context.Context, pds []ProposalData, index uint64) ([]interface{}, error) {
	return nil, nil
}
func (nopSM) LeaderChange(leader uint64) error { return nil }

func (nopSM) ApplyMemberChange(mc *Member, index uint64) error { return nil }

func (nopSM) Snapshot() (*Snapshot, error) { return &Snapshot{}, nil }

func (nopSM) ApplySnapshot(ctx context.Context, s *Snapshot) error { return nil }

func TestGroupLifecycleErrors(t *testing.T) {
	g, err := NewGroup(&Config{
		NodeID:  1,
		Members: []Member{{NodeID: 1, Host: "127.0.0.1:9460"}},
		Storage: newMemRaftStorage(),
		SM:      nopSM{},
	})
	require.NoError(t, err)

	err = g.MemberChange(context.Background(), &Member{NodeID: 9, Type: MemberChangeType_RemoveMember})
	require.Equal(t, ErrNoSuchMember, err)

	require.NoError(t, g.Close())

	_, err = g.Propose(context.Background(), &ProposalData{Module: []byte("m")})
	require.Equal(t, ErrGroupClosed, err)
	require.Equal(t, ErrGroupClosed, g.ReadIndex(context.Background()))
	err = g.MemberChange(context.Background(), &Member{NodeID: 1, Type: MemberChangeType_RemoveMember})
	require.Equal(t, ErrGroupClosed, err)
}
