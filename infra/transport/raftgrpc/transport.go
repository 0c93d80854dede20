// Package raftgrpc carries replication RPCs to peers over gRPC with
// the JSON content-subtype, so the consensus argument structs go on
// the wire as-is.
package raftgrpc

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/opalchat/chat-replica-service/config"
	"github.com/opalchat/chat-replica-service/internal/consensus"
	grpchandler "github.com/opalchat/chat-replica-service/internal/handler/grpc"
	"github.com/opalchat/chat-replica-service/pkg/jsoncodec"
)

const servicePath = "/consensus.v1.Raft/"

var _ consensus.Transport = (*Transport)(nil)

// Transport dials peers lazily and keeps one connection per peer;
// gRPC reconnects under the hood, so a failed peer costs nothing
// beyond the failed calls.
type Transport struct {
	addrs map[string]string // peer id -> raft addr
	token string

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func New(cfg *config.Config) *Transport {
	addrs := make(map[string]string, len(cfg.Cluster))
	for _, peer := range cfg.Cluster {
		if peer.ID != cfg.Node.ID {
			addrs[peer.ID] = peer.RaftAddr
		}
	}
	return &Transport{
		addrs: addrs,
		token: cfg.GRPC.ClusterToken,
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (t *Transport) conn(peerID string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[peerID]; ok {
		return conn, nil
	}

	addr, ok := t.addrs[peerID]
	if !ok {
		return nil, fmt.Errorf("raftgrpc: unknown peer %s", peerID)
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsoncodec.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("raftgrpc: dial %s (%s): %w", peerID, addr, err)
	}
	t.conns[peerID] = conn
	return conn, nil
}

func invoke[Reply any](t *Transport, ctx context.Context, peerID, method string, args any) (*Reply, error) {
	conn, err := t.conn(peerID)
	if err != nil {
		return nil, err
	}

	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "bearer "+t.token)
	}

	reply := new(Reply)
	if err := conn.Invoke(ctx, servicePath+method, args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) RequestVote(ctx context.Context, peerID string, args *consensus.RequestVoteArgs) (*consensus.RequestVoteReply, error) {
	return invoke[consensus.RequestVoteReply](t, ctx, peerID, "RequestVote", args)
}

func (t *Transport) AppendEntries(ctx context.Context, peerID string, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	return invoke[consensus.AppendEntriesReply](t, ctx, peerID, "AppendEntries", args)
}

func (t *Transport) InstallSnapshot(ctx context.Context, peerID string, args *consensus.InstallSnapshotArgs) (*consensus.InstallSnapshotReply, error) {
	return invoke[consensus.InstallSnapshotReply](t, ctx, peerID, "InstallSnapshot", args)
}

// GetLeader asks one peer who it currently follows. Not part of the
// replication path; used by operational tooling to find the leader
// without walking the client API.
func (t *Transport) GetLeader(ctx context.Context, peerID string) (*grpchandler.GetLeaderReply, error) {
	return invoke[grpchandler.GetLeaderReply](t, ctx, peerID, "GetLeader", &grpchandler.GetLeaderArgs{})
}

// Close tears down every peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, id)
	}
	return firstErr
}
