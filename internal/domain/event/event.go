package event

// Kind discriminates the packets flowing through the Hub.
type Kind int16

const (
	Connected    Kind = iota + 1 // [SYSTEM]
	Disconnected                 // [SYSTEM]
	MessageNew                   // [BUSINESS] freshly applied inbound message
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case MessageNew:
		return "message.new"
	default:
		return "unknown"
	}
}

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetAccount() string
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
}
