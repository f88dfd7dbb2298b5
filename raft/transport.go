package raft

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"
)

const (
	raftServiceName      = "raft.RaftService"
	raftMessageStream    = "RaftMessageBatch"
	defaultSendQueueSize = 1024
)

type (
	// MessageHandler receives inbound raft messages from peers.
	MessageHandler func(ctx context.Context, msg raftpb.Message) error

	Transport interface {
		SetHandler(h MessageHandler)
		RegisterTo(server *grpc.Server)
		Send(ctx context.Context, messages []raftpb.Message)
		Close()
	}

	TransportConfig struct {
		MaxTimeoutMs  int `json:"max_timeout_ms"`
		SendQueueSize int `json:"send_queue_size"`

		Resolver AddressResolver `json:"-"`
	}
)

// rawCodec moves gogo-marshalable messages through grpc without any
// generated stubs. Every raftpb message satisfies marshaler and
// unmarshaler already.
type (
	marshaler interface {
		Marshal() ([]byte, error)
	}
	unmarshaler interface {
		Unmarshal(data []byte) error
	}
	rawCodec struct{}
)

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(marshaler)
	if !ok {
		return nil, fmt.Errorf("message %T does not implement Marshal", v)
	}
	return m.Marshal()
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("message %T does not implement Unmarshal", v)
	}
	return m.Unmarshal(data)
}

func (rawCodec) Name() string { return "raft-raw" }

type messageServer interface {
	raftMessageBatch(stream grpc.ServerStream) error
}

func raftMessageBatchHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(messageServer).raftMessageBatch(stream)
}

// RaftServiceDesc is registered manually on the grpc server, the wire
// format of the stream is raw raftpb.Message frames.
var RaftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*messageServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    raftMessageStream,
			Handler:       raftMessageBatchHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raft.proto",
}

type transport struct {
	cfg     TransportConfig
	handler MessageHandler

	mu struct {
		sync.RWMutex
		peers map[uint64]*peerSender
	}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTransport builds the grpc raft transport. RegisterTo must be
// called with the node's grpc server before the server starts serving.
func NewTransport(cfg *TransportConfig) Transport {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	t := &transport{
		cfg:  *cfg,
		done: make(chan struct{}),
	}
	t.mu.peers = make(map[uint64]*peerSender)
	return t
}

func (t *transport) SetHandler(h MessageHandler) {
	t.handler = h
}

// RegisterTo exposes the inbound message stream on the given server.
func (t *transport) RegisterTo(server *grpc.Server) {
	server.RegisterService(&RaftServiceDesc, t)
}

func (t *transport) raftMessageBatch(stream grpc.ServerStream) error {
	ctx := stream.Context()
	for {
		msg := &raftpb.Message{}
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(ctx, *msg); err != nil {
			log.Warnf("step raft message from node %d failed: %s", msg.From, err)
		}
	}
}

func (t *transport) Send(ctx context.Context, messages []raftpb.Message) {
	for i := range messages {
		msg := messages[i]
		if msg.To == 0 {
			continue
		}
		sender, err := t.getSender(ctx, msg.To)
		if err != nil {
			span := trace.SpanFromContextSafe(ctx)
			span.Warnf("resolve peer %d failed: %s", msg.To, err)
			continue
		}
		sender.enqueue(msg)
	}
}

func (t *transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		for _, p := range t.mu.peers {
			p.close()
		}
		t.mu.peers = make(map[uint64]*peerSender)
		t.mu.Unlock()
	})
}

func (t *transport) getSender(ctx context.Context, nodeID uint64) (*peerSender, error) {
	t.mu.RLock()
	p, ok := t.mu.peers[nodeID]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}

	addr, err := t.cfg.Resolver.Resolve(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok = t.mu.peers[nodeID]; ok {
		return p, nil
	}
	p = newPeerSender(nodeID, addr.String(), t.cfg.SendQueueSize, t.done)
	t.mu.peers[nodeID] = p
	return p, nil
}

// peerSender owns one outbound stream per peer. Messages are dropped
// when the queue is full, raft tolerates lossy transports.
type peerSender struct {
	nodeID uint64
	addr   string
	queue  chan raftpb.Message
	stopC  chan struct{}
	once   sync.Once
}

func newPeerSender(nodeID uint64, addr string, queueSize int, done chan struct{}) *peerSender {
	p := &peerSender{
		nodeID: nodeID,
		addr:   addr,
		queue:  make(chan raftpb.Message, queueSize),
		stopC:  make(chan struct{}),
	}
	go p.loop(done)
	return p
}

func (p *peerSender) enqueue(msg raftpb.Message) {
	select {
	case p.queue <- msg:
	default:
		log.Warnf("send queue to node %d full, drop message type %s", p.nodeID, msg.Type)
	}
}

func (p *peerSender) close() {
	p.once.Do(func() {
		close(p.stopC)
	})
}

func (p *peerSender) loop(done chan struct{}) {
	var (
		conn   *grpc.ClientConn
		stream grpc.ClientStream
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	dial := func() error {
		var err error
		if conn == nil {
			conn, err = grpc.Dial(p.addr,
				grpc.WithInsecure(),
				grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
			)
			if err != nil {
				return err
			}
		}
		stream, err = conn.NewStream(context.Background(), &RaftServiceDesc.Streams[0],
			fmt.Sprintf("/%s/%s", raftServiceName, raftMessageStream))
		return err
	}

	for {
		select {
		case <-done:
			return
		case <-p.stopC:
			return
		case msg := <-p.queue:
			if stream == nil {
				if err := dial(); err != nil {
					log.Warnf("connect raft peer %d at %s failed: %s", p.nodeID, p.addr, err)
					continue
				}
			}
			if err := stream.SendMsg(&msg); err != nil {
				log.Warnf("send raft message to node %d failed: %s", p.nodeID, err)
				stream = nil
			}
		}
	}
}

// noopTransport serves single voter deployments where raft has no
// peers to talk to.
type noopTransport struct{}

func NewNoopTransport() Transport { return noopTransport{} }

func (noopTransport) SetHandler(h MessageHandler)                     {}
func (noopTransport) RegisterTo(server *grpc.Server)                  {}
func (noopTransport) Send(ctx context.Context, msgs []raftpb.Message) {}
func (noopTransport) Close()                                          {}
