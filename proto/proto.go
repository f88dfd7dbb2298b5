package proto

const (
	ReqIdKey = "req-id"
)

type (
	NodeID       = uint64
	Term         = uint64
	StateVersion = uint64
)
