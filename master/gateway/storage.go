package gateway

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/stellardb/stellardb/common/kvstore"
	apierrors "github.com/stellardb/stellardb/errors"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/proto"
)

// StateCF is the column family the persisted (term, metadata) tuple
// lives in. Exported so snapshot transfer can include it.
const StateCF = kvstore.CF("cluster-state")

var (
	termKey     = []byte("term")
	metadataKey = []byte("metadata")
)

// storage persists the (term, metadata) tuple in a dedicated column
// family. Term and metadata are written in one batch so readers never
// observe one without the other.
type storage struct {
	kvStore kvstore.Store
}

func newStorage(kvStore kvstore.Store) (*storage, error) {
	if !kvStore.CheckColumns(StateCF) {
		if err := kvStore.CreateColumn(StateCF); err != nil {
			return nil, errors.Info(err, "create cluster state column failed")
		}
	}
	return &storage{kvStore: kvStore}, nil
}

// Load returns the last durably accepted term and metadata.
// ErrStateNeverWritten on a fresh store, ErrStateCorrupt when only one
// half of the tuple is readable.
func (s *storage) Load(ctx context.Context) (proto.Term, *meta.ClusterMetadata, error) {
	span := trace.SpanFromContextSafe(ctx)

	rawTerm, termErr := s.kvStore.GetRaw(ctx, StateCF, termKey, nil)
	rawMD, mdErr := s.kvStore.GetRaw(ctx, StateCF, metadataKey, nil)

	if termErr == kvstore.ErrNotFound && mdErr == kvstore.ErrNotFound {
		return 0, nil, apierrors.ErrStateNeverWritten
	}
	if termErr != nil || mdErr != nil {
		span.Errorf("partial cluster state tuple, term err %v, metadata err %v", termErr, mdErr)
		return 0, nil, apierrors.ErrStateCorrupt
	}
	if len(rawTerm) != 8 {
		span.Errorf("malformed term, size %d", len(rawTerm))
		return 0, nil, apierrors.ErrStateCorrupt
	}

	md, err := meta.Unmarshal(rawMD)
	if err != nil {
		span.Errorf("unmarshal persisted metadata failed: %s", err)
		return 0, nil, apierrors.ErrStateCorrupt
	}
	return binary.BigEndian.Uint64(rawTerm), md, nil
}

func (s *storage) PutTerm(ctx context.Context, term proto.Term) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, term)
	return s.kvStore.SetRaw(ctx, StateCF, termKey, raw, nil)
}

func (s *storage) PutState(ctx context.Context, term proto.Term, md *meta.ClusterMetadata) error {
	rawMD, err := md.Marshal()
	if err != nil {
		return errors.Info(err, "marshal cluster metadata failed")
	}
	rawTerm := make([]byte, 8)
	binary.BigEndian.PutUint64(rawTerm, term)

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Put(StateCF, termKey, rawTerm)
	batch.Put(StateCF, metadataKey, rawMD)
	return s.kvStore.Write(ctx, batch, nil)
}
