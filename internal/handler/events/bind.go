package events

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, account string, payload *T) (event.Eventer, error)

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to domain logic, handling panic recovery,
// locality and local fan-out.
func Bind[T any](h *EventHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [IDENTIFICATION]
		// The publisher stamps the target account into metadata.
		account := msg.Metadata.Get("account")
		if account == "" {
			h.logger.Warn("ROUTING_FAILED: account_missing", "msg_id", msg.UUID)
			return nil // ACK: invalid routing is a terminal state.
		}

		// [LOCALITY_FILTER]
		// Deliver only if the target account holds a stream on THIS node.
		if !h.hub.IsConnected(account) {
			return nil // ACK: the account lives elsewhere, or nowhere.
		}

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: poison pill protection.
		}

		// [EXECUTION]
		ev, err := fn(msg.Context(), account, payload)
		if err != nil {
			return err // NACK: triggers the retry policy.
		}
		if ev == nil {
			return nil
		}

		// [LOCAL_DISPATCH]
		if !h.hub.Broadcast(ev) {
			h.logger.Warn("LOCAL_DISPATCH_MISSED", "account", account, "msg_id", msg.UUID)
		}
		return nil
	}
}
