package raft

import (
	"context"
	"encoding/json"
)

const (
	MemberChangeType_AddMember    MemberChangeType = 1
	MemberChangeType_RemoveMember MemberChangeType = 2
)

type (
	Op               uint32
	MemberChangeType int32

	// ProposalData is the envelope every raft proposal travels in. The
	// module name routes the entry to the owning applier on apply.
	ProposalData struct {
		Module []byte `json:"module"`
		Op     Op     `json:"op"`
		Data   []byte `json:"data"`
		ReqID  string `json:"req_id,omitempty"`

		// set by the proposing node, only meaningful on that node
		ProposerID uint64 `json:"proposer_id"`
		NotifyID   uint64 `json:"notify_id"`
	}

	Member struct {
		NodeID  uint64           `json:"node_id"`
		Host    string           `json:"host"`
		Learner bool             `json:"learner"`
		Type    MemberChangeType `json:"type"`
	}

	ProposalResponse struct {
		Data interface{}
	}

	Stat struct {
		Id             uint64   `json:"nodeId"`
		Term           uint64   `json:"term"`
		Vote           uint64   `json:"vote"`
		Commit         uint64   `json:"commit"`
		Leader         uint64   `json:"leader"`
		RaftState      string   `json:"raftState"`
		Applied        uint64   `json:"applied"`
		Peers          []uint64 `json:"peers"`
		LeadTransferee uint64   `json:"transferee"`
	}

	Group interface {
		Propose(ctx context.Context, data *ProposalData) (ProposalResponse, error)
		ReadIndex(ctx context.Context) error
		MemberChange(ctx context.Context, mc *Member) error
		LeaderTransfer(ctx context.Context, peerID uint64) error
		Truncate(ctx context.Context, index uint64) error
		Stat() (*Stat, error)
		Start()
		Close() error
	}

	// The StateMachine is supplied by the application to apply committed
	// entries and to produce/install snapshots of the application data.
	StateMachine interface {
		Apply(ctx context.Context, pds []ProposalData, index uint64) (rets []interface{}, err error)
		LeaderChange(leader uint64) error
		ApplyMemberChange(mc *Member, index uint64) error
		Snapshot() (*Snapshot, error)
		ApplySnapshot(ctx context.Context, snap *Snapshot) error
	}

	// Applier is implemented by every module registered on the state
	// machine dispatcher.
	Applier interface {
		Apply(ctx context.Context, pd ProposalData, index uint64) (ret interface{}, err error)
		LeaderChange(leader uint64) error
	}

	// Snapshot carries the full application state. Cluster metadata is
	// small, so it ships inline with the raft snapshot message instead
	// of being streamed in batches.
	Snapshot struct {
		Index uint64 `json:"index"`
		Term  uint64 `json:"term"`
		Data  []byte `json:"data"`
	}

	Storage interface {
		Get(key []byte) ([]byte, error)
		Put(key, value []byte) error
		Iter(prefix []byte) Iterator
		NewBatch() Batch
		Write(b Batch) error
	}
	Iterator interface {
		ReadNext() (key []byte, value []byte, err error)
		ReadLast() (key []byte, value []byte, err error)
		Close()
	}
	Batch interface {
		Put(key, value []byte)
		DeleteRange(start []byte, end []byte)
		Close()
	}

	AddressResolver interface {
		Resolve(ctx context.Context, nodeID uint64) (Addr, error)
	}
	Addr interface {
		String() string
	}
)

func (p *ProposalData) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func (p *ProposalData) Unmarshal(raw []byte) error {
	return json.Unmarshal(raw, p)
}

func (m *Member) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Member) Unmarshal(raw []byte) error {
	return json.Unmarshal(raw, m)
}
