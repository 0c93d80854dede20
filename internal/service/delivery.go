package service

import (
	"context"
	"log/slog"

	"github.com/opalchat/chat-replica-service/internal/adapter/pubsub"
	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
)

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (HTTP/WebSocket)
type Deliverer interface {
	Subscribe(ctx context.Context, account string) (registry.Connector, error)
	Unsubscribe(conn registry.Connector)
}

var _ Deliverer = (*DeliveryService)(nil)

type DeliveryService struct {
	hub        registry.Hubber
	dispatcher pubsub.EventDispatcher
	logger     *slog.Logger
}

func NewDeliveryService(hub registry.Hubber, dispatcher pubsub.EventDispatcher, logger *slog.Logger) *DeliveryService {
	return &DeliveryService{
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.With("component", "delivery_service"),
	}
}

// Subscribe opens a subscription stream for an account and attaches it
// to the hub; the transport handler drains conn.Recv until Unsubscribe.
func (s *DeliveryService) Subscribe(ctx context.Context, account string) (registry.Connector, error) {
	const defaultBufferSize = 1024

	conn := registry.NewConnector(ctx, account, defaultBufferSize)
	s.hub.Register(conn)

	ev := event.NewStatusEvent(account, event.Connected, conn.GetID().String())
	if err := s.dispatcher.Publish(ctx, pubsub.TopicSessionStatus, ev); err != nil {
		// Presence is advisory; the stream itself is already live.
		s.logger.Warn("status publish failed", "account", account, "err", err)
	}

	return conn, nil
}

// Unsubscribe detaches and recycles one stream.
func (s *DeliveryService) Unsubscribe(conn registry.Connector) {
	account, connID := conn.GetAccount(), conn.GetID()
	s.hub.Unregister(account, connID)
	conn.Close()

	ev := event.NewStatusEvent(account, event.Disconnected, connID.String())
	if err := s.dispatcher.Publish(context.Background(), pubsub.TopicSessionStatus, ev); err != nil {
		s.logger.Warn("status publish failed", "account", account, "err", err)
	}
}
