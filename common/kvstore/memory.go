// Copyright 2023 The StellarDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// memStore keeps every column family in a plain sorted map. It backs
// unit tests and nodes that hold no persistent state, so data volumes
// stay tiny and full key sorts on every List are acceptable.
type (
	memStore struct {
		cfs  map[CF]map[string][]byte
		lock sync.RWMutex
	}
	memSnapshot struct {
		cfs map[CF]map[string][]byte
	}
	memReadOption struct {
		snap *memSnapshot
	}
	memWriteOption struct{}
	memBatchOp     struct {
		del      bool
		delRange bool
		col      CF
		key      []byte
		endKey   []byte
		value    []byte
	}
	memWriteBatch struct {
		ops []memBatchOp
	}
	memKeyGetter struct {
		key []byte
	}
	memValueGetter struct {
		index int
		value []byte
	}
	memListReader struct {
		s      *memStore
		col    CF
		snap   *memSnapshot
		keys   []string
		values [][]byte
		pos    int
		prefix []byte
	}
)

func newMemStore(ctx context.Context, option *Option) (Store, error) {
	cfs := make(map[CF]map[string][]byte)
	cfs[defaultCF] = make(map[string][]byte)
	for _, col := range option.ColumnFamily {
		cfs[col] = make(map[string][]byte)
	}
	return &memStore{cfs: cfs}, nil
}

func (s *memStore) NewSnapshot() Snapshot {
	s.lock.RLock()
	cfs := make(map[CF]map[string][]byte, len(s.cfs))
	for col, m := range s.cfs {
		cp := make(map[string][]byte, len(m))
		for k, v := range m {
			cp[k] = v
		}
		cfs[col] = cp
	}
	s.lock.RUnlock()
	return &memSnapshot{cfs: cfs}
}

func (ss *memSnapshot) Close() {}

func (ro *memReadOption) SetSnapShot(snap Snapshot) {
	ro.snap = snap.(*memSnapshot)
}

func (ro *memReadOption) Close() {}

func (wo *memWriteOption) SetSync(value bool) {}

func (wo *memWriteOption) DisableWAL(value bool) {}

func (wo *memWriteOption) Close() {}

func (kg memKeyGetter) Key() []byte {
	return kg.key
}

func (kg memKeyGetter) Close() {}

func (vg *memValueGetter) Value() []byte {
	return vg.value
}

func (vg *memValueGetter) Read(b []byte) (n int, err error) {
	if vg.index >= len(vg.value) {
		return 0, io.EOF
	}
	n = copy(b, vg.value[vg.index:])
	vg.index += n
	return
}

func (vg *memValueGetter) Size() int {
	return len(vg.value)
}

func (vg *memValueGetter) Close() error {
	return nil
}

func (w *memWriteBatch) Put(col CF, key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	w.ops = append(w.ops, memBatchOp{col: col, key: append([]byte{}, key...), value: v})
}

func (w *memWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, memBatchOp{del: true, col: col, key: append([]byte{}, key...)})
}

func (w *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, memBatchOp{
		delRange: true,
		col:      col,
		key:      append([]byte{}, startKey...),
		endKey:   append([]byte{}, endKey...),
	})
}

func (w *memWriteBatch) Data() []byte {
	return nil
}

func (w *memWriteBatch) Close() {
	w.ops = nil
}

func (s *memStore) NewReadOption() ReadOption {
	return &memReadOption{}
}

func (s *memStore) NewWriteOption() WriteOption {
	return &memWriteOption{}
}

func (s *memStore) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (s *memStore) CreateColumn(col CF) error {
	s.lock.Lock()
	if s.cfs[col] == nil {
		s.cfs[col] = make(map[string][]byte)
	}
	s.lock.Unlock()
	return nil
}

func (s *memStore) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cfs {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *memStore) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.cfs[col]
	return ok
}

func (s *memStore) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value ValueGetter, err error) {
	raw, err := s.GetRaw(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	return &memValueGetter{value: raw}, nil
}

func (s *memStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error) {
	m, unlock := s.view(col, readOpt)
	defer unlock()
	v, ok := m[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	value = make([]byte, len(v))
	copy(value, v)
	return value, nil
}

func (s *memStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.lock.Lock()
	s.cf(col)[string(key)] = v
	s.lock.Unlock()
	return nil
}

func (s *memStore) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	s.lock.Lock()
	delete(s.cf(col), string(key))
	s.lock.Unlock()
	return nil
}

func (s *memStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	lr := &memListReader{s: s, col: col, prefix: prefix}
	if readOpt != nil {
		lr.snap = readOpt.(*memReadOption).snap
	}
	start := prefix
	if len(marker) > 0 {
		start = marker
	}
	lr.load(start)
	return lr
}

func (s *memStore) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	_batch := batch.(*memWriteBatch)
	s.lock.Lock()
	for _, op := range _batch.ops {
		m := s.cf(op.col)
		switch {
		case op.delRange:
			for k := range m {
				if k >= string(op.key) && k < string(op.endKey) {
					delete(m, k)
				}
			}
		case op.del:
			delete(m, string(op.key))
		default:
			m[string(op.key)] = op.value
		}
	}
	s.lock.Unlock()
	return nil
}

func (s *memStore) FlushCF(ctx context.Context, col CF) error {
	return nil
}

func (s *memStore) Close() {}

// cf must be called with the lock held.
func (s *memStore) cf(col CF) map[string][]byte {
	if col == "" {
		col = defaultCF
	}
	m, ok := s.cfs[col]
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return m
}

func (s *memStore) view(col CF, readOpt ReadOption) (map[string][]byte, func()) {
	if readOpt != nil {
		if snap := readOpt.(*memReadOption).snap; snap != nil {
			if col == "" {
				col = defaultCF
			}
			return snap.cfs[col], func() {}
		}
	}
	s.lock.RLock()
	return s.cf(col), s.lock.RUnlock
}

func (lr *memListReader) load(start []byte) {
	var m map[string][]byte
	if lr.snap != nil {
		col := lr.col
		if col == "" {
			col = defaultCF
		}
		m = lr.snap.cfs[col]
	} else {
		lr.s.lock.RLock()
		src := lr.s.cf(lr.col)
		m = make(map[string][]byte, len(src))
		for k, v := range src {
			m[k] = v
		}
		lr.s.lock.RUnlock()
	}

	lr.keys = lr.keys[:0]
	lr.values = lr.values[:0]
	for k := range m {
		if len(start) > 0 && k < string(start) {
			continue
		}
		lr.keys = append(lr.keys, k)
	}
	sort.Strings(lr.keys)
	for _, k := range lr.keys {
		lr.values = append(lr.values, m[k])
	}
	lr.pos = -1
}

func (lr *memListReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	lr.pos++
	if lr.pos >= len(lr.keys) {
		return nil, nil, nil
	}
	k := []byte(lr.keys[lr.pos])
	if lr.prefix != nil && !bytes.HasPrefix(k, lr.prefix) {
		return nil, nil, nil
	}
	return memKeyGetter{key: k}, &memValueGetter{value: lr.values[lr.pos]}, nil
}

func (lr *memListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil || vg == nil {
		return nil, nil, err
	}
	key = make([]byte, len(kg.Key()))
	value = make([]byte, vg.Size())
	copy(key, kg.Key())
	copy(value, vg.Value())
	return
}

func (lr *memListReader) ReadLast() (key KeyGetter, val ValueGetter, err error) {
	last := -1
	for i, k := range lr.keys {
		if lr.prefix == nil || bytes.HasPrefix([]byte(k), lr.prefix) {
			last = i
		}
	}
	if last < 0 {
		return nil, nil, nil
	}
	return memKeyGetter{key: []byte(lr.keys[last])}, &memValueGetter{value: lr.values[last]}, nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.prefix = nil
	lr.load(key)
}

func (lr *memListReader) SeekToPrefix(prefix []byte) {
	lr.prefix = prefix
	lr.load(prefix)
}

func (lr *memListReader) Close() {}
