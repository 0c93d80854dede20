package event

import (
	"time"

	"github.com/google/uuid"
)

var _ Eventer = (*StatusEvent)(nil)

// StatusEvent announces a session transition (stream opened or closed)
// for an account. Unlike SystemEvent it is wire-encodable, so it can
// travel over the bus to the account's other streams.
type StatusEvent struct {
	ID           string `json:"id"`
	Account      string `json:"account"`
	Status       Kind   `json:"status"`
	ConnectionID string `json:"connection_id"`
	At           int64  `json:"at"`
}

func NewStatusEvent(account string, status Kind, connectionID string) *StatusEvent {
	return &StatusEvent{
		ID:           uuid.NewString(),
		Account:      account,
		Status:       status,
		ConnectionID: connectionID,
		At:           time.Now().UnixMilli(),
	}
}

func (e *StatusEvent) GetID() string         { return e.ID }
func (e *StatusEvent) GetKind() Kind         { return e.Status }
func (e *StatusEvent) GetAccount() string    { return e.Account }
func (e *StatusEvent) GetPriority() Priority { return PriorityNormal }
func (e *StatusEvent) GetOccurredAt() int64  { return e.At }
func (e *StatusEvent) GetPayload() any       { return e.ConnectionID }
