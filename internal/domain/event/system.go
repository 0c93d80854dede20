package event

import (
	"time"

	"github.com/google/uuid"
)

var _ Eventer = (*SystemEvent)(nil)

// SystemEvent is a generic envelope for session lifecycle signals
// (handshake, termination) pushed into a subscription stream.
type SystemEvent struct {
	id         string
	account    string
	kind       Kind
	priority   Priority
	occurredAt int64
	payload    any
}

func NewSystemEvent(account string, kind Kind, priority Priority, payload any) *SystemEvent {
	return &SystemEvent{
		id:         uuid.NewString(),
		account:    account,
		kind:       kind,
		priority:   priority,
		occurredAt: time.Now().UnixMilli(),
		payload:    payload,
	}
}

func (e *SystemEvent) GetID() string         { return e.id }
func (e *SystemEvent) GetKind() Kind         { return e.kind }
func (e *SystemEvent) GetAccount() string    { return e.account }
func (e *SystemEvent) GetPriority() Priority { return e.priority }
func (e *SystemEvent) GetOccurredAt() int64  { return e.occurredAt }
func (e *SystemEvent) GetPayload() any       { return e.payload }
