package grpc

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opalchat/chat-replica-service/infra/storage"
	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/internal/consensus"
	"github.com/opalchat/chat-replica-service/pkg/jsoncodec"
)

// startRaftServer serves a fresh single node over bufconn and returns
// a client connection speaking the json content-subtype.
func startRaftServer(t *testing.T) *grpc.ClientConn {
	t.Helper()

	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	network := consensus.NewLoopbackNetwork()
	node, err := consensus.NewNode(consensus.Config{
		ID:     "n1",
		Peers:  []string{"n2"},
		Logger: logger,
	}, store, chat.Replicated{StateMachine: chat.NewStateMachine()}, network.Transport("n1"))
	if err != nil {
		t.Fatalf("node: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewRaftService(node, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsoncodec.Name)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestRequestVoteOverWire(t *testing.T) {
	conn := startRaftServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	args := &consensus.RequestVoteArgs{Term: 1, CandidateID: "n2"}
	reply := new(consensus.RequestVoteReply)
	if err := conn.Invoke(ctx, "/consensus.v1.Raft/RequestVote", args, reply); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !reply.VoteGranted || reply.Term != 1 {
		t.Errorf("reply = %+v", reply)
	}

	// A rival candidate in the same term must be refused.
	rival := &consensus.RequestVoteArgs{Term: 1, CandidateID: "n3"}
	reply = new(consensus.RequestVoteReply)
	if err := conn.Invoke(ctx, "/consensus.v1.Raft/RequestVote", rival, reply); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.VoteGranted {
		t.Error("second candidate won the same term")
	}
}

func TestGetLeaderOverWire(t *testing.T) {
	conn := startRaftServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The node heard a heartbeat from n2, so n2 is its leader.
	hb := &consensus.AppendEntriesArgs{Term: 1, LeaderID: "n2"}
	if err := conn.Invoke(ctx, "/consensus.v1.Raft/AppendEntries", hb, new(consensus.AppendEntriesReply)); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	reply := new(GetLeaderReply)
	if err := conn.Invoke(ctx, "/consensus.v1.Raft/GetLeader", &GetLeaderArgs{}, reply); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.LeaderID != "n2" || reply.Term != 1 {
		t.Errorf("reply = %+v", reply)
	}
}

func TestAppendEntriesOverWire(t *testing.T) {
	conn := startRaftServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := chat.EncodeCommand(chat.CreateAccountCmd{Name: "alice"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	args := &consensus.AppendEntriesArgs{
		Term:     1,
		LeaderID: "n2",
		Entries: []storage.Entry{
			{Index: 1, Term: 1, Kind: uint8(chat.CmdCreateAccount), Payload: payload},
		},
	}
	reply := new(consensus.AppendEntriesReply)
	if err := conn.Invoke(ctx, "/consensus.v1.Raft/AppendEntries", args, reply); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !reply.Success || reply.Term != 1 {
		t.Errorf("reply = %+v", reply)
	}

	// A stale term must be rejected after the node observed term 1.
	stale := &consensus.AppendEntriesArgs{Term: 0, LeaderID: "nx"}
	reply = new(consensus.AppendEntriesReply)
	if err := conn.Invoke(ctx, "/consensus.v1.Raft/AppendEntries", stale, reply); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if reply.Success {
		t.Error("stale leader accepted")
	}
}
