package consensus

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/opalchat/chat-replica-service/infra/storage"
	"github.com/opalchat/chat-replica-service/internal/chat"
)

// cluster drives a full in-process deployment over the loopback
// network, with real stores in temp dirs.
type cluster struct {
	t         *testing.T
	net       *LoopbackNetwork
	ids       []string
	nodes     map[string]*Node
	sms       map[string]*recordingSM
	dirs      map[string]string
	snapEvery uint64
}

func newCluster(t *testing.T, size int, snapEvery uint64) *cluster {
	t.Helper()
	c := &cluster{
		t:         t,
		net:       NewLoopbackNetwork(),
		nodes:     make(map[string]*Node),
		sms:       make(map[string]*recordingSM),
		dirs:      make(map[string]string),
		snapEvery: snapEvery,
	}
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("n%d", i)
		c.ids = append(c.ids, id)
		c.dirs[id] = t.TempDir()
	}
	for _, id := range c.ids {
		c.start(id)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.Stop()
		}
	})
	return c
}

// start boots (or reboots) one node from its data dir.
func (c *cluster) start(id string) {
	c.t.Helper()

	store, err := storage.NewStore(c.dirs[id])
	if err != nil {
		c.t.Fatal(err)
	}
	var peers []string
	for _, other := range c.ids {
		if other != id {
			peers = append(peers, other)
		}
	}

	sm := &recordingSM{}
	node, err := NewNode(Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 75 * time.Millisecond,
		ElectionTimeoutMax: 150 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		SnapshotEvery:      c.snapEvery,
		Logger:             quietLogger(),
	}, store, sm, c.net.Transport(id))
	if err != nil {
		c.t.Fatal(err)
	}

	c.nodes[id] = node
	c.sms[id] = sm
	c.net.Register(id, node)
	node.Start()
}

func (c *cluster) waitFor(cond func() bool, msg string) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %s", msg)
}

// waitLeader blocks until one of the given nodes leads.
func (c *cluster) waitLeader(among ...string) *Node {
	c.t.Helper()
	if len(among) == 0 {
		among = c.ids
	}
	var leader *Node
	c.waitFor(func() bool {
		for _, id := range among {
			if n := c.nodes[id]; n.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, "leader election")
	return leader
}

// propose submits through whichever node currently leads, following
// redirects until the command is applied.
func (c *cluster) propose(payload string) any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range c.ids {
			n := c.nodes[id]
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			val, err := n.Propose(ctx, 1, []byte(payload))
			cancel()
			if err == nil {
				return val
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatalf("propose %q never committed", payload)
	return nil
}

// waitConverged blocks until every listed node's history matches want.
func (c *cluster) waitConverged(want []string, among ...string) {
	c.t.Helper()
	if len(among) == 0 {
		among = c.ids
	}
	c.waitFor(func() bool {
		for _, id := range among {
			if !reflect.DeepEqual(c.sms[id].history(), want) {
				return false
			}
		}
		return true
	}, fmt.Sprintf("%d nodes converged on %d entries", len(among), len(want)))
}

func TestSingleNodeCluster(t *testing.T) {
	c := newCluster(t, 1, 0)
	leader := c.waitLeader()

	val, err := leader.Propose(context.Background(), 1, []byte("hello"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if val != "1:hello" {
		t.Errorf("applied value = %v", val)
	}
}

func TestClusterElectsLeaderAndReplicates(t *testing.T) {
	c := newCluster(t, 3, 0)
	c.waitLeader()

	var want []string
	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf("cmd-%d", i)
		c.propose(payload)
		want = append(want, "1:"+payload)
	}

	c.waitConverged(want)
}

func TestFollowerRedirectsToLeader(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitLeader()
	c.propose("warmup") // ensures followers have heard from the leader

	for _, id := range c.ids {
		n := c.nodes[id]
		if n == leader {
			continue
		}
		_, err := n.Propose(context.Background(), 1, []byte("x"))
		nle, ok := AsNotLeader(err)
		if !ok {
			t.Fatalf("%s: err = %v, want NotLeaderError", id, err)
		}
		if nle.LeaderID != leader.ID() {
			t.Errorf("%s: leader hint = %q, want %q", id, nle.LeaderID, leader.ID())
		}
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newCluster(t, 3, 0)
	old := c.waitLeader()
	c.propose("before")

	c.net.Disconnect(old.ID())

	var rest []string
	for _, id := range c.ids {
		if id != old.ID() {
			rest = append(rest, id)
		}
	}
	next := c.waitLeader(rest...)
	if next.ID() == old.ID() {
		t.Fatal("dead leader re-elected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := next.Propose(ctx, 1, []byte("after")); err != nil {
		t.Fatalf("propose on new leader: %v", err)
	}

	// The old leader rejoins as a follower and catches up.
	c.net.Heal()
	want := []string{"1:before", "1:after"}
	c.waitConverged(want)
	c.waitFor(func() bool { return !old.IsLeader() }, "old leader stepping down")
}

func TestMinorityLeaderCannotCommit(t *testing.T) {
	c := newCluster(t, 3, 0)
	old := c.waitLeader()
	c.propose("committed")

	var majority []string
	for _, id := range c.ids {
		if id != old.ID() {
			majority = append(majority, id)
		}
	}
	c.net.Partition([]string{old.ID()}, majority)

	// The stranded leader accepts the entry but can never commit it.
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	_, err := old.Propose(ctx, 1, []byte("lost"))
	cancel()
	if err == nil {
		t.Fatal("minority leader committed a proposal")
	}

	next := c.waitLeader(majority...)
	wonCtx, wonCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer wonCancel()
	if _, err := next.Propose(wonCtx, 1, []byte("won")); err != nil {
		t.Fatalf("majority propose: %v", err)
	}

	// After healing, the divergent entry is overwritten everywhere.
	c.net.Heal()
	want := []string{"1:committed", "1:won"}
	c.waitConverged(want)
}

func TestRestartedFollowerCatchesUp(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitLeader()

	var want []string
	for i := 0; i < 3; i++ {
		p := fmt.Sprintf("early-%d", i)
		c.propose(p)
		want = append(want, "1:"+p)
	}
	c.waitConverged(want)

	// Stop one follower hard, keep writing, then bring it back from its
	// own data dir.
	var down string
	for _, id := range c.ids {
		if id != leader.ID() {
			down = id
			break
		}
	}
	c.nodes[down].Stop()
	c.net.Disconnect(down)

	for i := 0; i < 2; i++ {
		p := fmt.Sprintf("late-%d", i)
		c.propose(p)
		want = append(want, "1:"+p)
	}

	c.net.Heal()
	c.start(down)
	c.waitConverged(want)
}

func TestChatReplaySameAnswersOnFreshStateMachine(t *testing.T) {
	net := NewLoopbackNetwork()
	ids := []string{"n1", "n2", "n3"}
	nodes := make(map[string]*Node)
	sms := make(map[string]*chat.StateMachine)

	for _, id := range ids {
		store, err := storage.NewStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		sm := chat.NewStateMachine()
		node, err := NewNode(Config{
			ID:                 id,
			Peers:              peers,
			ElectionTimeoutMin: 75 * time.Millisecond,
			ElectionTimeoutMax: 150 * time.Millisecond,
			HeartbeatInterval:  15 * time.Millisecond,
			Logger:             quietLogger(),
		}, store, chat.Replicated{StateMachine: sm}, net.Transport(id))
		if err != nil {
			t.Fatal(err)
		}
		nodes[id] = node
		sms[id] = sm
		net.Register(id, node)
		node.Start()
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.Stop()
		}
	})

	var leader *Node
	waitUntil(t, func() bool {
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, "leader election")

	propose := func(kind chat.CommandKind, cmd any) chat.Result {
		t.Helper()
		payload, err := chat.EncodeCommand(cmd)
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		val, err := leader.Propose(ctx, uint8(kind), payload)
		if err != nil {
			t.Fatalf("propose %s: %v", kind, err)
		}
		res, ok := val.(chat.Result)
		if !ok {
			t.Fatalf("propose %s returned %T", kind, val)
		}
		return res
	}

	propose(chat.CmdCreateAccount, chat.CreateAccountCmd{Name: "alice", Hash: []byte{1}, Salt: []byte{2}})
	propose(chat.CmdCreateAccount, chat.CreateAccountCmd{Name: "bob", Hash: []byte{3}, Salt: []byte{4}})
	propose(chat.CmdSendMessage, chat.SendMessageCmd{Sender: "alice", Recipient: "bob", Content: "one"})
	propose(chat.CmdSendMessage, chat.SendMessageCmd{Sender: "alice", Recipient: "bob", Content: "two", DeliverRead: true})
	propose(chat.CmdPopUnread, chat.PopUnreadCmd{User: "bob", N: -1})
	propose(chat.CmdSendMessage, chat.SendMessageCmd{Sender: "bob", Recipient: "alice", Content: "reply"})

	commit := leader.Status().CommitIndex
	waitUntil(t, func() bool {
		for _, n := range nodes {
			if n.Status().LastApplied < commit {
				return false
			}
		}
		return true
	}, "every replica applying the full prefix")

	leader.mu.Lock()
	entries := leader.log.entriesFrom(1)
	leader.mu.Unlock()

	// Replaying the committed prefix on a fresh state machine must give
	// the same answers every replica gives.
	fresh := chat.NewStateMachine()
	replayed := chat.Replicated{StateMachine: fresh}
	for _, e := range entries {
		if e.Index > commit {
			break
		}
		if _, err := replayed.Apply(e.Kind, e.Payload); err != nil {
			t.Fatalf("replay index %d: %v", e.Index, err)
		}
	}

	for id, sm := range sms {
		wantUsers, _ := sm.ListUsers("")
		gotUsers, _ := fresh.ListUsers("")
		if !reflect.DeepEqual(gotUsers, wantUsers) {
			t.Errorf("%s: users %v, replay answered %v", id, wantUsers, gotUsers)
		}
		for _, name := range []string{"alice", "bob"} {
			want, _ := sm.Counts(name)
			got, _ := fresh.Counts(name)
			if got != want {
				t.Errorf("%s: counts(%s) %+v, replay answered %+v", id, name, want, got)
			}
			wantMsgs, _ := sm.ReadMessages(name, 0, -1)
			gotMsgs, _ := fresh.ReadMessages(name, 0, -1)
			if !reflect.DeepEqual(gotMsgs, wantMsgs) {
				t.Errorf("%s: read(%s) %v, replay answered %v", id, name, wantMsgs, gotMsgs)
			}
		}
	}
}

func TestSnapshotShipsToLaggingFollower(t *testing.T) {
	c := newCluster(t, 3, 4) // snapshot every 4 applied entries
	leader := c.waitLeader()

	var down string
	for _, id := range c.ids {
		if id != leader.ID() {
			down = id
			break
		}
	}
	c.net.Disconnect(down)

	var want []string
	for i := 0; i < 12; i++ {
		p := fmt.Sprintf("cmd-%d", i)
		c.propose(p)
		want = append(want, "1:"+p)
	}

	// The leader has compacted past the follower's position; rejoining
	// forces a snapshot install followed by normal replication.
	c.net.Heal()
	c.waitConverged(want, down)
	c.waitConverged(want)
}
