// Package chat implements the deterministic state machine that
// replicated log entries are applied to: accounts, credentials and
// per-account mailboxes. Apply takes no wall-clock and no randomness;
// message ids come from an in-state counter bumped at apply time.
package chat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/opalchat/chat-replica-service/internal/domain/model"
	"github.com/opalchat/chat-replica-service/pkg/kdf"
)

// ResultCode mirrors the client-visible error taxonomy for the subset
// of errors a deterministic apply can produce.
type ResultCode uint8

const (
	CodeOK ResultCode = iota
	CodeInvalidArgument
	CodeAlreadyExists
	CodeNotFound
)

// Result is returned to the submitting leader so it can answer the client.
type Result struct {
	Code          ResultCode      `json:"code"`
	Detail        string          `json:"detail,omitempty"`
	MessageID     uint64          `json:"message_id,omitempty"`
	DeliveredRead bool            `json:"delivered_read,omitempty"`
	Popped        []model.Message `json:"popped,omitempty"`
}

func (r Result) OK() bool { return r.Code == CodeOK }

type account struct {
	cred   kdf.Credential
	unread []uint64
	read   []uint64
}

type storedMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// StateMachine is the in-memory chat model. All mutation goes through
// Apply; queries are read-only and never replicated.
type StateMachine struct {
	mu       sync.RWMutex
	nextID   uint64
	accounts map[string]*account
	messages map[uint64]storedMessage
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		nextID:   1,
		accounts: make(map[string]*account),
		messages: make(map[uint64]storedMessage),
	}
}

// Apply executes one committed command. Decode failures surface as an
// error; domain outcomes (taken name, unknown recipient) are carried in
// the Result so every replica records the same effect.
func (s *StateMachine) Apply(kind CommandKind, payload []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case CmdCreateAccount:
		var cmd CreateAccountCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Result{}, fmt.Errorf("chat: decode %s: %w", kind, err)
		}
		return s.applyCreateAccount(cmd), nil

	case CmdDeleteAccount:
		var cmd DeleteAccountCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Result{}, fmt.Errorf("chat: decode %s: %w", kind, err)
		}
		return s.applyDeleteAccount(cmd), nil

	case CmdSendMessage:
		var cmd SendMessageCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Result{}, fmt.Errorf("chat: decode %s: %w", kind, err)
		}
		return s.applySendMessage(cmd), nil

	case CmdPopUnread:
		var cmd PopUnreadCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Result{}, fmt.Errorf("chat: decode %s: %w", kind, err)
		}
		return s.applyPopUnread(cmd), nil

	case CmdDeleteMessages:
		var cmd DeleteMessagesCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Result{}, fmt.Errorf("chat: decode %s: %w", kind, err)
		}
		return s.applyDeleteMessages(cmd), nil

	default:
		return Result{}, fmt.Errorf("chat: unknown command kind %d", kind)
	}
}

func (s *StateMachine) applyCreateAccount(cmd CreateAccountCmd) Result {
	if cmd.Name == "" {
		return Result{Code: CodeInvalidArgument, Detail: "invalid username"}
	}
	if _, taken := s.accounts[cmd.Name]; taken {
		return Result{Code: CodeAlreadyExists, Detail: "username already taken"}
	}

	s.accounts[cmd.Name] = &account{
		cred: kdf.Credential{Hash: cmd.Hash, Salt: cmd.Salt},
	}
	return Result{}
}

func (s *StateMachine) applyDeleteAccount(cmd DeleteAccountCmd) Result {
	acc, ok := s.accounts[cmd.Name]
	if !ok {
		return Result{} // idempotent
	}
	for _, id := range acc.unread {
		delete(s.messages, id)
	}
	for _, id := range acc.read {
		delete(s.messages, id)
	}
	delete(s.accounts, cmd.Name)
	return Result{}
}

func (s *StateMachine) applySendMessage(cmd SendMessageCmd) Result {
	acc, ok := s.accounts[cmd.Recipient]
	if !ok {
		return Result{Code: CodeNotFound, Detail: "recipient not found"}
	}

	id := s.nextID
	s.nextID++
	s.messages[id] = storedMessage{Sender: cmd.Sender, Content: cmd.Content}

	if cmd.DeliverRead {
		acc.read = append(acc.read, id)
	} else {
		acc.unread = append(acc.unread, id)
	}

	return Result{MessageID: id, DeliveredRead: cmd.DeliverRead}
}

func (s *StateMachine) applyPopUnread(cmd PopUnreadCmd) Result {
	acc, ok := s.accounts[cmd.User]
	if !ok {
		return Result{Code: CodeNotFound, Detail: "user not found"}
	}

	n := cmd.N
	if n < 0 || n > len(acc.unread) {
		n = len(acc.unread)
	}

	moved := acc.unread[:n]
	popped := make([]model.Message, 0, n)
	for _, id := range moved {
		m := s.messages[id]
		popped = append(popped, model.Message{ID: id, Sender: m.Sender, Content: m.Content})
	}

	acc.read = append(acc.read, moved...)
	acc.unread = append([]uint64(nil), acc.unread[n:]...)

	return Result{Popped: popped}
}

func (s *StateMachine) applyDeleteMessages(cmd DeleteMessagesCmd) Result {
	acc, ok := s.accounts[cmd.User]
	if !ok {
		return Result{Code: CodeNotFound, Detail: "user not found"}
	}

	drop := make(map[uint64]struct{}, len(cmd.IDs))
	for _, id := range cmd.IDs {
		drop[id] = struct{}{}
	}

	acc.unread = removeIDs(acc.unread, drop, s.messages)
	acc.read = removeIDs(acc.read, drop, s.messages)
	return Result{}
}

func removeIDs(ids []uint64, drop map[uint64]struct{}, table map[uint64]storedMessage) []uint64 {
	kept := ids[:0]
	for _, id := range ids {
		if _, ok := drop[id]; ok {
			delete(table, id)
			continue
		}
		kept = append(kept, id)
	}
	return kept
}

// --- Queries (read-only, never replicated) ---

// Exists reports whether an account name is registered.
func (s *StateMachine) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[name]
	return ok
}

// Credential returns the stored credential blob for the session layer
// to verify against; the KDF itself runs outside the state machine.
func (s *StateMachine) Credential(name string) (kdf.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[name]
	if !ok {
		return kdf.Credential{}, false
	}
	return acc.cred, true
}

// ListUsers returns account names matching pattern, sorted. A `*` in
// the pattern is a wildcard; an empty pattern matches everything.
func (s *StateMachine) ListUsers(pattern string) ([]string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		compiled, err := regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$")
		if err != nil {
			return nil, fmt.Errorf("chat: bad pattern %q: %w", pattern, err)
		}
		re = compiled
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		if re == nil || re.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Counts returns unread/read sizes for one account.
func (s *StateMachine) Counts(name string) (model.MailboxCounts, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[name]
	if !ok {
		return model.MailboxCounts{}, false
	}
	return model.MailboxCounts{Unread: len(acc.unread), Read: len(acc.read)}, true
}

// ReadMessages windows the read mailbox from the newest end: offset
// skips the newest entries, count caps the window, count < 0 returns
// everything up to the offset.
func (s *StateMachine) ReadMessages(name string, offset, count int) ([]model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[name]
	if !ok {
		return nil, false
	}

	n := len(acc.read)
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	if count < 0 || count > n-offset {
		count = n - offset
	}

	window := acc.read[n-count-offset : n-offset]
	out := make([]model.Message, 0, len(window))
	for _, id := range window {
		m := s.messages[id]
		out = append(out, model.Message{ID: id, Sender: m.Sender, Content: m.Content})
	}
	return out, true
}
