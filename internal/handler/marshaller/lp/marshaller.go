// Package lpmarshaller batches domain events for long-polling clients.
package lpmarshaller

import (
	"encoding/json"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// LPEvent represents a single event structured for long-polling consumers.
type LPEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

// Response defines the top-level JSON object to support event batching.
type Response struct {
	Events []LPEvent `json:"events"`
}

// MarshallEvents converts a slice of domain events into a single JSON batch.
func MarshallEvents(events []event.Eventer) ([]byte, error) {
	res := Response{
		Events: make([]LPEvent, 0, len(events)),
	}

	for _, ev := range events {
		lpEv := LPEvent{
			ID:      ev.GetID(),
			Payload: ev.GetPayload(),
		}

		switch ev.GetKind() {
		case event.MessageNew:
			lpEv.Type = "message_new"
		case event.Connected:
			lpEv.Type = "system_connected"
		case event.Disconnected:
			lpEv.Type = "system_disconnected"
		default:
			lpEv.Type = "unknown"
		}
		res.Events = append(res.Events, lpEv)
	}

	return json.Marshal(res)
}
