package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opalchat/chat-replica-service/infra/storage"
	"github.com/opalchat/chat-replica-service/internal/adapter/pubsub"
	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
)

// ApplyNotifier bridges the replication layer's apply hook onto the
// local bus. Every node runs one: a committed send becomes a
// MessageEvent on this node's bus, and the locality filter downstream
// decides whether anyone here cares.
type ApplyNotifier struct {
	dispatcher pubsub.EventDispatcher
	logger     *slog.Logger
}

func NewApplyNotifier(dispatcher pubsub.EventDispatcher, logger *slog.Logger) *ApplyNotifier {
	return &ApplyNotifier{
		dispatcher: dispatcher,
		logger:     logger.With("component", "apply_notifier"),
	}
}

// Notify runs on the apply goroutine; it must stay cheap and must not
// block on slow consumers.
func (n *ApplyNotifier) Notify(entry storage.Entry, result any) {
	if chat.CommandKind(entry.Kind) != chat.CmdSendMessage {
		return
	}
	res, ok := result.(chat.Result)
	if !ok || !res.OK() {
		return
	}

	var cmd chat.SendMessageCmd
	if err := json.Unmarshal(entry.Payload, &cmd); err != nil {
		n.logger.Error("undecodable applied command", "index", entry.Index, "err", err)
		return
	}

	msg := model.Message{ID: res.MessageID, Sender: cmd.Sender, Content: cmd.Content}
	ev := event.NewMessageEvent(cmd.Recipient, msg, res.DeliveredRead)
	if err := n.dispatcher.Publish(context.Background(), pubsub.TopicMessageApplied, ev); err != nil {
		n.logger.Error("applied event publish failed", "index", entry.Index, "err", err)
	}
}
