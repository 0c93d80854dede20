package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// Topics carried on the in-process bus. Applied state changes and
// session transitions travel separately so listeners can subscribe to
// just what they route.
const (
	TopicMessageApplied = "chat.message.applied.v1"
	TopicSessionStatus  = "chat.session.status.v1"
)

// EventDispatcher is the high-level contract for outgoing events; it
// keeps listeners agnostic of the transport implementation.
type EventDispatcher interface {
	Publish(ctx context.Context, topic string, ev event.Eventer) error
	Publisher() message.Publisher
}

type eventDispatcher struct {
	publisher message.Publisher
}

func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{publisher: pub}
}

func (d *eventDispatcher) Publish(ctx context.Context, topic string, ev event.Eventer) error {
	if ev == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil event")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("account", ev.GetAccount())

	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("event dispatcher: publish to %s: %w", topic, err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
