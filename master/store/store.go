package store

import (
	"context"

	"github.com/stellardb/stellardb/common/kvstore"
)

type Config struct {
	Path       string            `json:"path"`
	Engine     kvstore.LsmKVType `json:"engine"`
	KVOption   kvstore.Option    `json:"kv_option"`
	RaftOption kvstore.Option    `json:"raft_option"`
}

// Store bundles the two kv instances a master node runs on: one for
// the materialized cluster state, one for the raft wal.
type Store struct {
	kvStore   kvstore.Store
	raftStore kvstore.Store

	cfg *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Engine == "" {
		cfg.Engine = kvstore.RocksdbLsmKVType
	}

	kvStorePath := cfg.Path + "/kv"
	kvStore, err := kvstore.NewKVStore(ctx, kvStorePath, cfg.Engine, &cfg.KVOption)
	if err != nil {
		return nil, err
	}

	raftStorePath := cfg.Path + "/raft"
	raftStore, err := kvstore.NewKVStore(ctx, raftStorePath, cfg.Engine, &cfg.RaftOption)
	if err != nil {
		return nil, err
	}

	return &Store{
		kvStore:   kvStore,
		raftStore: raftStore,
		cfg:       cfg,
	}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) RaftStore() kvstore.Store {
	return s.raftStore
}

func (s *Store) Close() {
	s.kvStore.Close()
	s.raftStore.Close()
}
