// Package events consumes the node-local bus and turns applied-state
// and session-status messages into hub deliveries. Each node runs its
// own consumer pipeline over its own bus; what arrives here has already
// been committed by the replication layer.
package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/opalchat/chat-replica-service/internal/adapter/pubsub"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
)

// PoisonTopic collects messages that exhausted their retries.
const PoisonTopic = "chat.events.poison.v1"

type EventHandler struct {
	hub        registry.Hubber
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
}

func NewEventHandler(hub registry.Hubber, logger *slog.Logger, dispatcher pubsub.EventDispatcher) *EventHandler {
	return &EventHandler{hub: hub, logger: logger, dispatcher: dispatcher}
}

func NewWatermillRouter(logger *slog.Logger) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(logger))
}

// [REGISTRATION_PIPELINE]
func (h *EventHandler) RegisterHandlers(router *message.Router, sub message.Subscriber) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), PoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_MSG_APPLIED", pubsub.TopicMessageApplied, Bind(h, h.OnMessageApplied)},
		{"ON_SESSION_STATUS", pubsub.TopicSessionStatus, Bind(h, h.OnSessionStatus)},
	}

	for _, c := range configs {
		router.AddNoPublisherHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(1000, time.Second).Middleware,
			middleware.Timeout(time.Second*10),
		)
	}

	h.logger.Info("EVENT_PIPELINE_READY", "handlers", len(configs))
	return nil
}
