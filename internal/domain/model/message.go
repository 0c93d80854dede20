package model

// ServerVersion is reported to clients in the subscription handshake.
const ServerVersion = "1.2.0"

// Message is the core entity of the chat state machine. IDs are
// cluster-wide monotonic and assigned at apply time, never at ingress.
type Message struct {
	ID      uint64 `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// MailboxCounts is the answer to a counts query for one account.
type MailboxCounts struct {
	Unread int `json:"unread"`
	Read   int `json:"read"`
}
