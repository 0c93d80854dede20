// Package wsmarshaller maps domain events onto the JSON frames pushed
// over WebSocket subscription streams.
package wsmarshaller

import (
	"encoding/json"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// WSEvent is a generic wrapper for WebSocket messages to provide a
// consistent frame structure.
type WSEvent struct {
	Event   string `json:"event"` // e.g. "message_new", "connected"
	ID      string `json:"id"`
	SentAt  int64  `json:"sent_at"`
	Payload any    `json:"payload"`
}

// MarshallDeliveryEvent prepares one event for WebSocket transmission.
func MarshallDeliveryEvent(ev event.Eventer) ([]byte, error) {
	res := &WSEvent{
		ID:     ev.GetID(),
		SentAt: ev.GetOccurredAt(),
	}

	switch ev.GetKind() {
	case event.MessageNew:
		res.Event = "message_new"
		res.Payload = mapMessage(ev)
	case event.Connected:
		res.Event = "connected"
		res.Payload = ev.GetPayload()
	case event.Disconnected:
		res.Event = "disconnected"
		res.Payload = ev.GetPayload()
	default:
		res.Event = "unknown"
		res.Payload = ev.GetPayload()
	}

	return json.Marshal(res)
}
