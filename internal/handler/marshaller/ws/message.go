package wsmarshaller

import (
	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
)

type WSMessage struct {
	ID      uint64 `json:"id"`
	From    string `json:"from"`
	Content string `json:"content"`
	AsRead  bool   `json:"as_read"`
}

func mapMessage(ev event.Eventer) *WSMessage {
	msg, ok := ev.GetPayload().(model.Message)
	if !ok {
		return nil
	}

	out := &WSMessage{
		ID:      msg.ID,
		From:    msg.Sender,
		Content: msg.Content,
	}
	if me, ok := ev.(*event.MessageEvent); ok {
		out.AsRead = me.AsRead
	}
	return out
}
