// Package service is the business layer between transport handlers and
// the replicated chat model. Writes travel through the replication log;
// reads run against local state after a leadership barrier.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/internal/consensus"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
	"github.com/opalchat/chat-replica-service/pkg/kdf"
)

// Replicator is the slice of the consensus node the service layer
// needs: submit commands, fence reads, report cluster shape.
type Replicator interface {
	Propose(ctx context.Context, kind uint8, payload []byte) (any, error)
	Barrier(ctx context.Context) error
	IsLeader() bool
	LeaderID() string
	Status() consensus.Status
}

var _ Replicator = (*consensus.Node)(nil)

// [CHAT_SERVICE] PRIMARY INTERFACE FOR CLIENT-FACING HANDLERS
type Chatter interface {
	CreateAccount(ctx context.Context, name, password string) error
	DeleteAccount(ctx context.Context, name string) error
	SendMessage(ctx context.Context, sender, recipient, content string) (model.Message, bool, error)
	PopUnread(ctx context.Context, user string, n int) ([]model.Message, error)
	DeleteMessages(ctx context.Context, user string, ids []uint64) error
	ListUsers(ctx context.Context, pattern string) ([]string, error)
	MailboxCounts(ctx context.Context, user string) (model.MailboxCounts, error)
	ReadMessages(ctx context.Context, user string, offset, count int) ([]model.Message, error)
	ClusterStatus() consensus.Status
}

var _ Chatter = (*ChatService)(nil)

type ChatService struct {
	repl     Replicator
	model    *chat.StateMachine
	hub      registry.Hubber
	sessions Sessioner
	logger   *slog.Logger
}

func NewChatService(repl Replicator, model *chat.StateMachine, hub registry.Hubber, sessions Sessioner, logger *slog.Logger) *ChatService {
	return &ChatService{
		repl:     repl,
		model:    model,
		hub:      hub,
		sessions: sessions,
		logger:   logger.With("component", "chat_service"),
	}
}

// propose encodes one command, pushes it through the log and waits for
// the applied outcome.
func (s *ChatService) propose(ctx context.Context, kind chat.CommandKind, cmd any) (chat.Result, error) {
	payload, err := chat.EncodeCommand(cmd)
	if err != nil {
		return chat.Result{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	val, err := s.repl.Propose(ctx, uint8(kind), payload)
	if err != nil {
		return chat.Result{}, mapReplicationErr(err)
	}

	res, ok := val.(chat.Result)
	if !ok {
		return chat.Result{}, fmt.Errorf("%w: unexpected apply result %T", ErrInternal, val)
	}
	return res, resultErr(res)
}

// barrierRead fences a local query behind a round of leadership
// confirmation so a deposed leader cannot serve stale answers.
func (s *ChatService) barrierRead(ctx context.Context) error {
	return mapReplicationErr(s.repl.Barrier(ctx))
}

func (s *ChatService) CreateAccount(ctx context.Context, name, password string) error {
	if name == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}
	if password == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidArgument)
	}

	// The salt is rolled here, once, on the submitting node. Replicas
	// apply the finished credential so the log stays deterministic.
	cred, err := kdf.Derive(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	_, err = s.propose(ctx, chat.CmdCreateAccount, chat.CreateAccountCmd{
		Name: name,
		Hash: cred.Hash,
		Salt: cred.Salt,
	})
	if err == nil {
		s.logger.Info("account created", "account", name)
	}
	return err
}

func (s *ChatService) DeleteAccount(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}

	_, err := s.propose(ctx, chat.CmdDeleteAccount, chat.DeleteAccountCmd{Name: name})
	if err != nil {
		return err
	}

	s.sessions.RevokeAccount(name)
	s.logger.Info("account deleted", "account", name)
	return nil
}

// SendMessage replicates one message. The bool reports whether the
// recipient held a live stream here at submission time, in which case
// the message lands directly in the read mailbox.
func (s *ChatService) SendMessage(ctx context.Context, sender, recipient, content string) (model.Message, bool, error) {
	if recipient == "" {
		return model.Message{}, false, fmt.Errorf("%w: empty recipient", ErrInvalidArgument)
	}

	res, err := s.propose(ctx, chat.CmdSendMessage, chat.SendMessageCmd{
		Sender:      sender,
		Recipient:   recipient,
		Content:     content,
		DeliverRead: s.hub.IsConnected(recipient),
	})
	if err != nil {
		return model.Message{}, false, err
	}

	return model.Message{ID: res.MessageID, Sender: sender, Content: content}, res.DeliveredRead, nil
}

func (s *ChatService) PopUnread(ctx context.Context, user string, n int) ([]model.Message, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}

	res, err := s.propose(ctx, chat.CmdPopUnread, chat.PopUnreadCmd{User: user, N: n})
	if err != nil {
		return nil, err
	}
	return res.Popped, nil
}

func (s *ChatService) DeleteMessages(ctx context.Context, user string, ids []uint64) error {
	if user == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}

	_, err := s.propose(ctx, chat.CmdDeleteMessages, chat.DeleteMessagesCmd{User: user, IDs: ids})
	return err
}

func (s *ChatService) ListUsers(ctx context.Context, pattern string) ([]string, error) {
	if err := s.barrierRead(ctx); err != nil {
		return nil, err
	}

	names, err := s.model.ListUsers(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return names, nil
}

func (s *ChatService) MailboxCounts(ctx context.Context, user string) (model.MailboxCounts, error) {
	if err := s.barrierRead(ctx); err != nil {
		return model.MailboxCounts{}, err
	}

	counts, ok := s.model.Counts(user)
	if !ok {
		return model.MailboxCounts{}, fmt.Errorf("%w: user %q", ErrNotFound, user)
	}
	return counts, nil
}

func (s *ChatService) ReadMessages(ctx context.Context, user string, offset, count int) ([]model.Message, error) {
	if err := s.barrierRead(ctx); err != nil {
		return nil, err
	}

	msgs, ok := s.model.ReadMessages(user, offset, count)
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, user)
	}
	return msgs, nil
}

func (s *ChatService) ClusterStatus() consensus.Status {
	return s.repl.Status()
}
