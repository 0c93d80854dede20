// Package httpapi is the client-facing JSON API: account lifecycle,
// sessions, messaging and mailbox queries. Write and read operations
// only succeed on the leader; followers answer 421 with a leader hint
// so clients can re-aim.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opalchat/chat-replica-service/internal/consensus"
	"github.com/opalchat/chat-replica-service/internal/service"
)

type accountKey struct{}

var errUnknownToken = fmt.Errorf("%w: unknown token", service.ErrUnauthorized)

type API struct {
	chat     service.Chatter
	sessions service.Sessioner
	logger   *slog.Logger
}

func NewAPI(chat service.Chatter, sessions service.Sessioner, logger *slog.Logger) *API {
	return &API{
		chat:     chat,
		sessions: sessions,
		logger:   logger.With("component", "http_api"),
	}
}

// Routes assembles the /v1 router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/accounts", a.handleCreateAccount)
	r.Post("/sessions", a.handleLogin)
	r.Get("/cluster/status", a.handleClusterStatus)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Delete("/sessions", a.handleLogout)
		r.Delete("/accounts/me", a.handleDeleteAccount)

		r.Get("/users", a.handleListUsers)
		r.Post("/messages", a.handleSendMessage)

		r.Post("/mailbox/pop", a.handlePopUnread)
		r.Get("/mailbox", a.handleReadMessages)
		r.Get("/mailbox/counts", a.handleCounts)
		r.Delete("/mailbox", a.handleDeleteMessages)
	})

	return r
}

// requireAuth resolves the bearer token into an account name.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := a.sessions.Authenticate(bearerToken(r))
		if !ok {
			writeError(w, service.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, account)))
	})
}

func accountFrom(ctx context.Context) string {
	account, _ := ctx.Value(accountKey{}).(string)
	return account
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string `json:"error"`
	LeaderHint string `json:"leader_hint,omitempty"`
}

// writeError maps the service taxonomy onto HTTP. Leader redirects use
// 421 Misdirected Request with the hint in the body.
func writeError(w http.ResponseWriter, err error) {
	if nle, ok := consensus.AsNotLeader(err); ok {
		writeJSON(w, http.StatusMisdirectedRequest, errorBody{
			Error:      "not the leader",
			LeaderHint: nle.LeaderID,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return false
	}
	return true
}
