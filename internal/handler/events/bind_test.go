package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opalchat/chat-replica-service/internal/adapter/pubsub"
	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
)

func testHandler(t *testing.T) (*EventHandler, *registry.Hub) {
	t.Helper()
	hub := registry.NewHub(
		registry.WithMailboxSize(8),
		registry.WithIdleTimeout(time.Hour),
		registry.WithEvictionInterval(time.Hour),
	)
	t.Cleanup(hub.Shutdown)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))
	t.Cleanup(func() { _ = bus.Close() })

	return NewEventHandler(hub, logger, pubsub.NewEventDispatcher(bus)), hub
}

func appliedMessage(t *testing.T, account string, msg model.Message) *message.Message {
	t.Helper()
	payload, err := json.Marshal(event.NewMessageEvent(account, msg, false))
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	m := message.NewMessage(watermill.NewUUID(), payload)
	m.Metadata.Set("account", account)
	return m
}

func TestBindDeliversToLocalStream(t *testing.T) {
	h, hub := testHandler(t)

	conn := registry.NewConnector(context.Background(), "alice", 8)
	hub.Register(conn)
	defer conn.Close()

	handle := Bind(h, h.OnMessageApplied)
	msg := appliedMessage(t, "alice", model.Message{ID: 7, Sender: "bob", Content: "hi"})
	if err := handle(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case ev := <-conn.Recv():
		got, ok := ev.GetPayload().(model.Message)
		if !ok || got.ID != 7 || got.Sender != "bob" {
			t.Errorf("delivered payload = %#v", ev.GetPayload())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery to local stream")
	}
}

func TestBindSkipsRemoteAccount(t *testing.T) {
	h, _ := testHandler(t)

	handle := Bind(h, h.OnMessageApplied)
	msg := appliedMessage(t, "nobody-here", model.Message{ID: 1, Sender: "bob", Content: "hi"})

	// The account holds no stream on this node: ACK without error so the
	// bus does not retry what another node already handled.
	if err := handle(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestBindAcksMalformedPayload(t *testing.T) {
	h, hub := testHandler(t)

	conn := registry.NewConnector(context.Background(), "carol", 8)
	hub.Register(conn)
	defer conn.Close()

	handle := Bind(h, h.OnMessageApplied)
	msg := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	msg.Metadata.Set("account", "carol")

	if err := handle(msg); err != nil {
		t.Fatalf("malformed payload must ack, got %v", err)
	}
	select {
	case ev := <-conn.Recv():
		t.Fatalf("unexpected delivery: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBindAcksMissingAccountMetadata(t *testing.T) {
	h, _ := testHandler(t)

	handle := Bind(h, h.OnMessageApplied)
	msg := message.NewMessage(watermill.NewUUID(), []byte("{}"))

	if err := handle(msg); err != nil {
		t.Fatalf("missing account must ack, got %v", err)
	}
}

func TestSessionStatusFansOutToOtherStreams(t *testing.T) {
	h, hub := testHandler(t)

	conn := registry.NewConnector(context.Background(), "dave", 8)
	hub.Register(conn)
	defer conn.Close()

	status := event.NewStatusEvent("dave", event.Connected, "conn-2")
	payload, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("account", "dave")

	handle := Bind(h, h.OnSessionStatus)
	if err := handle(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case ev := <-conn.Recv():
		if ev.GetKind() != event.Connected {
			t.Errorf("kind = %v", ev.GetKind())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status event not delivered")
	}
}
