package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/internal/consensus"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
)

// fakeReplicator applies proposals synchronously against the local
// model, standing in for a healthy single-node cluster. Flip leader to
// exercise redirect paths.
type fakeReplicator struct {
	sm       chat.Replicated
	leader   bool
	leaderID string
	index    uint64
}

func newFakeReplicator(sm *chat.StateMachine) *fakeReplicator {
	return &fakeReplicator{sm: chat.Replicated{StateMachine: sm}, leader: true}
}

func (f *fakeReplicator) Propose(_ context.Context, kind uint8, payload []byte) (any, error) {
	if !f.leader {
		return nil, &consensus.NotLeaderError{LeaderID: f.leaderID}
	}
	f.index++
	return f.sm.Apply(kind, payload)
}

func (f *fakeReplicator) Barrier(context.Context) error {
	if !f.leader {
		return &consensus.NotLeaderError{LeaderID: f.leaderID}
	}
	return nil
}

func (f *fakeReplicator) IsLeader() bool    { return f.leader }
func (f *fakeReplicator) LeaderID() string  { return f.leaderID }
func (f *fakeReplicator) Status() consensus.Status {
	return consensus.Status{ID: "test", Role: "leader", LastIndex: f.index}
}

type fixture struct {
	chat *ChatService
	auth *AuthService
	repl *fakeReplicator
	hub  *registry.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sm := chat.NewStateMachine()
	repl := newFakeReplicator(sm)
	hub := registry.NewHub(
		registry.WithMailboxSize(8),
		registry.WithIdleTimeout(time.Hour),
		registry.WithEvictionInterval(time.Hour),
	)
	t.Cleanup(hub.Shutdown)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := NewAuthService(repl, sm, logger)
	return &fixture{
		chat: NewChatService(repl, sm, hub, auth, logger),
		auth: auth,
		repl: repl,
		hub:  hub,
	}
}

func TestCreateAccountAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.chat.CreateAccount(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.auth.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := f.auth.Login(ctx, "nobody", "s3cret"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown account: %v", err)
	}

	token, err := f.auth.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if account, ok := f.auth.Authenticate(token); !ok || account != "alice" {
		t.Errorf("authenticate = %q, %v", account, ok)
	}

	if !f.auth.Logout(token) {
		t.Error("logout of live token reported false")
	}
	if _, ok := f.auth.Authenticate(token); ok {
		t.Error("token survived logout")
	}
	if f.auth.Logout(token) {
		t.Error("second logout reported true")
	}
}

func TestCreateAccountValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.chat.CreateAccount(ctx, "", "pw"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty name: %v", err)
	}
	if err := f.chat.CreateAccount(ctx, "bob", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty password: %v", err)
	}

	if err := f.chat.CreateAccount(ctx, "bob", "pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.chat.CreateAccount(ctx, "bob", "pw"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate: %v", err)
	}
}

func TestSendMessageOnlineHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		if err := f.chat.CreateAccount(ctx, name, "pw"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	// Offline recipient: lands unread.
	msg, asRead, err := f.chat.SendMessage(ctx, "alice", "bob", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if asRead || msg.ID == 0 {
		t.Errorf("offline send: id=%d asRead=%v", msg.ID, asRead)
	}

	// Online recipient: delivered as read.
	conn := registry.NewConnector(ctx, "bob", 8)
	f.hub.Register(conn)
	defer conn.Close()

	_, asRead, err = f.chat.SendMessage(ctx, "alice", "bob", "again")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !asRead {
		t.Error("online recipient not delivered as read")
	}

	counts, err := f.chat.MailboxCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Unread != 1 || counts.Read != 1 {
		t.Errorf("counts = %+v", counts)
	}

	if _, _, err := f.chat.SendMessage(ctx, "alice", "ghost", "boo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown recipient: %v", err)
	}
}

func TestPopUnreadThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob"} {
		if err := f.chat.CreateAccount(ctx, name, "pw"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	for _, content := range []string{"one", "two", "three"} {
		if _, _, err := f.chat.SendMessage(ctx, "alice", "bob", content); err != nil {
			t.Fatalf("send %s: %v", content, err)
		}
	}

	popped, err := f.chat.PopUnread(ctx, "bob", 2)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(popped) != 2 || popped[0].Content != "one" || popped[1].Content != "two" {
		t.Errorf("popped = %+v", popped)
	}

	read, err := f.chat.ReadMessages(ctx, "bob", 0, -1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(read) != 2 {
		t.Errorf("read mailbox = %+v", read)
	}

	if err := f.chat.DeleteMessages(ctx, "bob", []uint64{popped[0].ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	counts, err := f.chat.MailboxCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Read != 1 || counts.Unread != 1 {
		t.Errorf("counts after delete = %+v", counts)
	}
}

func TestDeleteAccountRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.chat.CreateAccount(ctx, "carol", "pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	token, err := f.auth.Login(ctx, "carol", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := f.chat.DeleteAccount(ctx, "carol"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := f.auth.Authenticate(token); ok {
		t.Error("token survived account deletion")
	}
	if _, err := f.auth.Login(ctx, "carol", "pw"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("login after delete: %v", err)
	}
}

func TestFollowerRedirects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repl.leader = false
	f.repl.leaderID = "n2"

	err := f.chat.CreateAccount(ctx, "dave", "pw")
	if nle, ok := consensus.AsNotLeader(err); !ok || nle.LeaderID != "n2" {
		t.Errorf("write on follower: %v", err)
	}

	_, err = f.chat.ListUsers(ctx, "")
	if _, ok := consensus.AsNotLeader(err); !ok {
		t.Errorf("read on follower: %v", err)
	}

	_, err = f.auth.Login(ctx, "dave", "pw")
	if _, ok := consensus.AsNotLeader(err); !ok {
		t.Errorf("login on follower: %v", err)
	}
}

func TestListUsersPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "alina", "bob"} {
		if err := f.chat.CreateAccount(ctx, name, "pw"); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	names, err := f.chat.ListUsers(ctx, "ali*")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "alice" || names[1] != "alina" {
		t.Errorf("names = %v", names)
	}
}
