package state

import (
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/proto"
)

const (
	// BlockStateNotRecovered gates all metadata mutation until the
	// node has confirmed a quorum backed state after startup.
	BlockStateNotRecovered uint32 = 1
	// BlockIndexReadOnly is derived from the index read only setting.
	BlockIndexReadOnly uint32 = 2
)

type (
	Block struct {
		ID          uint32 `json:"id"`
		Description string `json:"description"`
		Retryable   bool   `json:"retryable"`
	}

	Blocks struct {
		Global  []Block            `json:"global,omitempty"`
		Indices map[string][]Block `json:"indices,omitempty"`
	}

	// ClusterState is the immutable in-memory view over the last
	// accepted metadata plus consensus term, blocks and known nodes.
	// Derive a changed copy with the With* helpers, never mutate.
	ClusterState struct {
		Term        proto.Term
		Version     proto.StateVersion
		LocalNodeID proto.NodeID
		Metadata    *meta.ClusterMetadata
		Blocks      Blocks
		Nodes       map[proto.NodeID]*proto.Node
	}
)

var StateNotRecoveredBlock = Block{
	ID:          BlockStateNotRecovered,
	Description: "state not recovered / initialized",
	Retryable:   true,
}

func (b Blocks) HasGlobalBlock(id uint32) bool {
	for _, blk := range b.Global {
		if blk.ID == id {
			return true
		}
	}
	return false
}

func (b Blocks) clone() Blocks {
	cp := Blocks{}
	if b.Global != nil {
		cp.Global = append([]Block{}, b.Global...)
	}
	if b.Indices != nil {
		cp.Indices = make(map[string][]Block, len(b.Indices))
		for name, blks := range b.Indices {
			cp.Indices[name] = append([]Block{}, blks...)
		}
	}
	return cp
}

func NewClusterState(term proto.Term, md *meta.ClusterMetadata, localNodeID proto.NodeID) *ClusterState {
	if md == nil {
		md = meta.Empty()
	}
	return &ClusterState{
		Term:        term,
		Version:     md.Version(),
		LocalNodeID: localNodeID,
		Metadata:    md,
		Nodes:       map[proto.NodeID]*proto.Node{},
	}
}

func (s *ClusterState) Recovered() bool {
	return !s.Blocks.HasGlobalBlock(BlockStateNotRecovered)
}

func (s *ClusterState) LocalNode() *proto.Node {
	return s.Nodes[s.LocalNodeID]
}

func (s *ClusterState) shallowCopy() *ClusterState {
	cp := *s
	cp.Blocks = s.Blocks.clone()
	cp.Nodes = make(map[proto.NodeID]*proto.Node, len(s.Nodes))
	for id, n := range s.Nodes {
		cp.Nodes[id] = n
	}
	return &cp
}

// WithMetadata installs a newly committed metadata snapshot, advances
// the state version and rederives the metadata implied blocks.
func (s *ClusterState) WithMetadata(md *meta.ClusterMetadata) *ClusterState {
	cp := s.shallowCopy()
	cp.Metadata = md
	cp.Version = md.Version()
	cp.Blocks = deriveBlocks(md, cp.Blocks)
	return cp
}

func (s *ClusterState) WithTerm(term proto.Term) *ClusterState {
	cp := s.shallowCopy()
	cp.Term = term
	return cp
}

func (s *ClusterState) WithGlobalBlock(b Block) *ClusterState {
	if s.Blocks.HasGlobalBlock(b.ID) {
		return s
	}
	cp := s.shallowCopy()
	cp.Blocks.Global = append(cp.Blocks.Global, b)
	return cp
}

func (s *ClusterState) WithoutGlobalBlock(id uint32) *ClusterState {
	if !s.Blocks.HasGlobalBlock(id) {
		return s
	}
	cp := s.shallowCopy()
	kept := cp.Blocks.Global[:0]
	for _, blk := range cp.Blocks.Global {
		if blk.ID == id {
			continue
		}
		kept = append(kept, blk)
	}
	cp.Blocks.Global = kept
	return cp
}

func (s *ClusterState) WithNode(n *proto.Node) *ClusterState {
	cp := s.shallowCopy()
	cp.Nodes[n.ID] = n
	return cp
}

func (s *ClusterState) WithoutNode(id proto.NodeID) *ClusterState {
	cp := s.shallowCopy()
	delete(cp.Nodes, id)
	return cp
}

// deriveBlocks keeps the global blocks and recomputes the per index
// ones from the metadata settings.
func deriveBlocks(md *meta.ClusterMetadata, prior Blocks) Blocks {
	result := Blocks{Global: prior.Global}
	for name, im := range md.Indices() {
		if im.ReadOnly() {
			if result.Indices == nil {
				result.Indices = map[string][]Block{}
			}
			result.Indices[name] = append(result.Indices[name], Block{
				ID:          BlockIndexReadOnly,
				Description: "index [" + name + "] is read only",
				Retryable:   false,
			})
		}
	}
	return result
}

// PersistedState is the process wide handle over the durably stored
// (term, version, metadata) tuple. Created exactly once at startup by
// the gateway, written only by the update task execution path.
type PersistedState interface {
	CurrentTerm() proto.Term
	LastAcceptedState() *ClusterState
	SetCurrentTerm(term proto.Term) error
	SetLastAcceptedState(st *ClusterState) error
	Close() error
}
