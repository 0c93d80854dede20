package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/opalchat/chat-replica-service/internal/domain/model"
)

var _ Eventer = (*MessageEvent)(nil)

// MessageEvent carries a freshly applied message to the recipient's
// local subscription streams. Account is the routing target: every node
// publishes applied messages, and only nodes where
// hub.IsConnected(Account) holds actually deliver.
type MessageEvent struct {
	ID      string        `json:"id"`
	Account string        `json:"account"`
	Message model.Message `json:"message"`
	AsRead  bool          `json:"as_read"`
	ApplyTS int64         `json:"apply_ts"`
}

func NewMessageEvent(account string, msg model.Message, asRead bool) *MessageEvent {
	return &MessageEvent{
		ID:      uuid.NewString(),
		Account: account,
		Message: msg,
		AsRead:  asRead,
		ApplyTS: time.Now().UnixMilli(),
	}
}

func (e *MessageEvent) GetID() string         { return e.ID }
func (e *MessageEvent) GetKind() Kind         { return MessageNew }
func (e *MessageEvent) GetAccount() string    { return e.Account }
func (e *MessageEvent) GetPriority() Priority { return PriorityHigh }
func (e *MessageEvent) GetOccurredAt() int64  { return e.ApplyTS }
func (e *MessageEvent) GetPayload() any       { return e.Message }
