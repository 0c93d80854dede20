package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/pkg/kdf"
)

// DefaultSessionTTL is the sliding window a token stays valid without
// being used.
const DefaultSessionTTL = 24 * time.Hour

// [AUTH_SERVICE] TOKEN-BASED SESSION MANAGEMENT
type Sessioner interface {
	Login(ctx context.Context, account, password string) (string, error)
	Logout(token string) bool
	Authenticate(token string) (string, bool)
	RevokeAccount(account string)
}

var _ Sessioner = (*AuthService)(nil)

type session struct {
	account   string
	expiresAt time.Time
}

// AuthService issues and tracks bearer tokens. Tokens are node-local:
// a client that fails over to another node logs in again.
type AuthService struct {
	repl   Replicator
	model  *chat.StateMachine
	logger *slog.Logger
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]*session
}

func NewAuthService(repl Replicator, model *chat.StateMachine, logger *slog.Logger) *AuthService {
	return &AuthService{
		repl:   repl,
		model:  model,
		logger: logger.With("component", "auth_service"),
		ttl:    DefaultSessionTTL,
		tokens: make(map[string]*session),
	}
}

// Login verifies the password against the replicated credential and
// issues a fresh token. The barrier keeps a deposed leader from
// accepting credentials an account deletion already revoked.
func (a *AuthService) Login(ctx context.Context, account, password string) (string, error) {
	if account == "" || password == "" {
		return "", fmt.Errorf("%w: empty account or password", ErrInvalidArgument)
	}

	if err := mapReplicationErr(a.repl.Barrier(ctx)); err != nil {
		return "", err
	}

	cred, ok := a.model.Credential(account)
	if !ok || !kdf.Verify(password, cred) {
		// One answer for both cases, so probes cannot enumerate accounts.
		return "", ErrUnauthorized
	}

	token := uuid.NewString()
	a.mu.Lock()
	a.sweepLocked()
	a.tokens[token] = &session{account: account, expiresAt: time.Now().Add(a.ttl)}
	a.mu.Unlock()

	a.logger.Info("session opened", "account", account)
	return token, nil
}

// Logout invalidates one token; false when it was unknown or expired.
func (a *AuthService) Logout(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.tokens[token]
	delete(a.tokens, token)
	return ok && time.Now().Before(sess.expiresAt)
}

// Authenticate resolves a token to its account and slides the expiry.
func (a *AuthService) Authenticate(token string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.tokens[token]
	if !ok {
		return "", false
	}
	if time.Now().After(sess.expiresAt) {
		delete(a.tokens, token)
		return "", false
	}

	sess.expiresAt = time.Now().Add(a.ttl)
	return sess.account, true
}

// RevokeAccount drops every token of one account, used when the
// account itself is deleted.
func (a *AuthService) RevokeAccount(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for token, sess := range a.tokens {
		if sess.account == account {
			delete(a.tokens, token)
		}
	}
}

// sweepLocked drops expired tokens; called on login so the map cannot
// grow without bound between restarts.
func (a *AuthService) sweepLocked() {
	now := time.Now()
	for token, sess := range a.tokens {
		if now.After(sess.expiresAt) {
			delete(a.tokens, token)
		}
	}
}
