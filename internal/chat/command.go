package chat

import (
	"encoding/json"
	"fmt"
)

// CommandKind is the closed set of replicated operations. The wire
// payload stays an opaque blob; decoding into a typed case happens
// inside Apply only.
type CommandKind uint8

const (
	CmdCreateAccount CommandKind = iota + 1
	CmdDeleteAccount
	CmdSendMessage
	CmdPopUnread
	CmdDeleteMessages
)

func (k CommandKind) String() string {
	switch k {
	case CmdCreateAccount:
		return "create_account"
	case CmdDeleteAccount:
		return "delete_account"
	case CmdSendMessage:
		return "send_message"
	case CmdPopUnread:
		return "pop_unread"
	case CmdDeleteMessages:
		return "delete_messages"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type CreateAccountCmd struct {
	Name string `json:"name"`
	Hash []byte `json:"hash"`
	Salt []byte `json:"salt"`
}

type DeleteAccountCmd struct {
	Name string `json:"name"`
}

// SendMessageCmd carries the online hint (DeliverRead) decided by the
// leader at submission time. Apply never consults local session state,
// so replicas stay deterministic.
type SendMessageCmd struct {
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Content     string `json:"content"`
	DeliverRead bool   `json:"deliver_read"`
}

// PopUnreadCmd moves up to N head entries of unread into read.
// N < 0 means all.
type PopUnreadCmd struct {
	User string `json:"user"`
	N    int    `json:"n"`
}

type DeleteMessagesCmd struct {
	User string   `json:"user"`
	IDs  []uint64 `json:"ids"`
}

// EncodeCommand serializes a typed command payload for the log.
func EncodeCommand(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chat: encode command: %w", err)
	}
	return data, nil
}
