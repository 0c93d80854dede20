// Package grpc exposes the replication RPCs to cluster peers. The
// service descriptor is hand-rolled over the JSON codec: the argument
// structs in the consensus package are the wire format, so there is no
// generated protobuf layer.
package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"

	"github.com/opalchat/chat-replica-service/internal/consensus"
)

// ServiceName is the fully qualified gRPC service peers dial.
const ServiceName = "consensus.v1.Raft"

// RaftServer mirrors the consensus RPC surface; *consensus.Node
// satisfies it through RaftService.
type RaftServer interface {
	RequestVote(ctx context.Context, args *consensus.RequestVoteArgs) (*consensus.RequestVoteReply, error)
	AppendEntries(ctx context.Context, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, args *consensus.InstallSnapshotArgs) (*consensus.InstallSnapshotReply, error)
	GetLeader(ctx context.Context, args *GetLeaderArgs) (*GetLeaderReply, error)
}

var _ RaftServer = (*RaftService)(nil)

// GetLeaderArgs is empty; the query is about the receiver's view.
type GetLeaderArgs struct{}

// GetLeaderReply names the leader the receiver currently follows, or
// an empty id while none is known.
type GetLeaderReply struct {
	LeaderID string `json:"leader_id"`
	Term     uint64 `json:"term"`
}

type consensusNode interface {
	consensus.RPCHandler
	Status() consensus.Status
}

type RaftService struct {
	node   consensusNode
	logger *slog.Logger
}

func NewRaftService(node *consensus.Node, logger *slog.Logger) *RaftService {
	return &RaftService{node: node, logger: logger.With("component", "raft_rpc")}
}

func (s *RaftService) RequestVote(ctx context.Context, args *consensus.RequestVoteArgs) (*consensus.RequestVoteReply, error) {
	return s.node.HandleRequestVote(ctx, args)
}

func (s *RaftService) AppendEntries(ctx context.Context, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	return s.node.HandleAppendEntries(ctx, args)
}

func (s *RaftService) InstallSnapshot(ctx context.Context, args *consensus.InstallSnapshotArgs) (*consensus.InstallSnapshotReply, error) {
	s.logger.Info("snapshot offered by leader", "leader", args.LeaderID, "last_index", args.LastIndex)
	return s.node.HandleInstallSnapshot(ctx, args)
}

func (s *RaftService) GetLeader(_ context.Context, _ *GetLeaderArgs) (*GetLeaderReply, error) {
	status := s.node.Status()
	return &GetLeaderReply{LeaderID: status.LeaderID, Term: status.Term}, nil
}

// Register attaches the service to a gRPC server.
func Register(srv grpc.ServiceRegistrar, impl RaftServer) {
	srv.RegisterService(&serviceDesc, impl)
}

func unaryHandler[Req, Resp any](
	method string,
	call func(RaftServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RaftServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RaftServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RaftServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler:    unaryHandler("RequestVote", RaftServer.RequestVote),
		},
		{
			MethodName: "AppendEntries",
			Handler:    unaryHandler("AppendEntries", RaftServer.AppendEntries),
		},
		{
			MethodName: "InstallSnapshot",
			Handler:    unaryHandler("InstallSnapshot", RaftServer.InstallSnapshot),
		},
		{
			MethodName: "GetLeader",
			Handler:    unaryHandler("GetLeader", RaftServer.GetLeader),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "consensus/v1/raft",
}
