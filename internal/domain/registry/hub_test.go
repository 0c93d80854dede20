package registry

import (
	"context"
	"testing"
	"time"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
)

func testHub() *Hub {
	return NewHub(
		WithMailboxSize(4),
		WithIdleTimeout(time.Hour),
		WithEvictionInterval(time.Hour),
	)
}

func msgEvent(account, content string) event.Eventer {
	return event.NewMessageEvent(account, model.Message{ID: 1, Sender: "x", Content: content}, false)
}

func recvOne(t *testing.T, conn Connector) event.Eventer {
	t.Helper()
	select {
	case ev, ok := <-conn.Recv():
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	h := testHub()
	defer h.Shutdown()

	if h.IsConnected("alice") {
		t.Fatal("alice connected before register")
	}

	conn := NewConnector(context.Background(), "alice", 8)
	h.Register(conn)
	defer conn.Close()

	if !h.IsConnected("alice") {
		t.Fatal("alice not connected after register")
	}

	if !h.Broadcast(msgEvent("alice", "hi")) {
		t.Fatal("broadcast refused")
	}
	ev := recvOne(t, conn)
	if ev.GetKind() != event.MessageNew || ev.GetAccount() != "alice" {
		t.Errorf("delivered event: kind=%v account=%q", ev.GetKind(), ev.GetAccount())
	}
}

func TestHubBroadcastMissesOfflineAccount(t *testing.T) {
	h := testHub()
	defer h.Shutdown()

	if h.Broadcast(msgEvent("ghost", "hi")) {
		t.Error("broadcast to offline account reported delivered")
	}
}

func TestHubMultiplexesStreams(t *testing.T) {
	h := testHub()
	defer h.Shutdown()

	first := NewConnector(context.Background(), "bob", 8)
	second := NewConnector(context.Background(), "bob", 8)
	h.Register(first)
	h.Register(second)
	defer first.Close()
	defer second.Close()

	h.Broadcast(msgEvent("bob", "fanout"))

	for _, conn := range []Connector{first, second} {
		ev := recvOne(t, conn)
		if ev.GetAccount() != "bob" {
			t.Errorf("stream got event for %q", ev.GetAccount())
		}
	}

	stats := h.Stats()
	if stats.TotalAccounts != 1 || stats.TotalConnections != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHubUnregisterLastStreamReclaimsCell(t *testing.T) {
	h := testHub()
	defer h.Shutdown()

	first := NewConnector(context.Background(), "carol", 8)
	second := NewConnector(context.Background(), "carol", 8)
	h.Register(first)
	h.Register(second)

	h.Unregister("carol", first.GetID())
	if !h.IsConnected("carol") {
		t.Fatal("carol dropped while a stream remains")
	}

	h.Unregister("carol", second.GetID())
	if h.IsConnected("carol") {
		t.Fatal("carol still connected after last unregister")
	}
}

func TestCellDropsOldestWhenFull(t *testing.T) {
	cell := NewCell("dave", 2)
	defer cell.Stop()
	// No sessions attached: the loop drains slowly enough that pushes
	// past capacity must shed. Push more than fits and verify the cell
	// keeps accepting instead of blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if !cell.Push(msgEvent("dave", "burst")) {
				t.Error("push refused despite drop-oldest policy")
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked on full mailbox")
	}
}

func TestConnectorCloseIdempotent(t *testing.T) {
	conn := NewConnector(context.Background(), "erin", 2)
	conn.Close()
	conn.Close() // second close must not panic
}

func TestConnectorSendAfterClose(t *testing.T) {
	conn := NewConnector(context.Background(), "frank", 2)
	conn.Close()
	if conn.Send(msgEvent("frank", "late"), 10*time.Millisecond) {
		t.Error("send succeeded on closed connector")
	}
}

func TestHubShutdownStopsDelivery(t *testing.T) {
	h := testHub()
	conn := NewConnector(context.Background(), "grace", 8)
	h.Register(conn)

	h.Shutdown()
	if h.IsConnected("grace") {
		t.Error("account still tracked after shutdown")
	}
}
