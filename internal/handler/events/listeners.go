package events

import (
	"context"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// [ON_MESSAGE_APPLIED]
// A committed send reached this node; hand it to the recipient's
// local streams. The payload is already the delivery-ready event.
func (h *EventHandler) OnMessageApplied(_ context.Context, account string, ev *event.MessageEvent) (event.Eventer, error) {
	if ev.Message.ID == 0 {
		h.logger.Warn("EMPTY_MESSAGE_DROPPED", "account", account)
		return nil, nil
	}
	return ev, nil
}

// [ON_SESSION_STATUS]
// Presence transitions fan out to the account's remaining streams so
// other devices can update their session lists.
func (h *EventHandler) OnSessionStatus(_ context.Context, _ string, ev *event.StatusEvent) (event.Eventer, error) {
	if ev.Status != event.Connected && ev.Status != event.Disconnected {
		return nil, nil
	}
	return ev, nil
}
