package server

import (
	"context"
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/stellardb/stellardb/metrics"
	"github.com/stellardb/stellardb/proto"
)

type RPCServer struct {
	grpcServer *grpc.Server

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(rs.unaryInterceptorWithTracer, metrics.GRPCMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(metrics.GRPCMetrics.StreamServerInterceptor()),
	)
	if rs.master != nil {
		rs.master.RegisterRaftService(s)
	}
	metrics.GRPCMetrics.InitializeMetrics(s)

	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s failed: %s", addr, err)
	}
	go func() {
		if err := r.grpcServer.Serve(listener); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()

	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if reqId, ok := md[proto.ReqIdKey]; ok && len(reqId) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqId[0])
		}
	}
	return handler(ctx, req)
}
