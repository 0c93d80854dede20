package httpapi

import (
	"net/http"
	"strconv"

	"github.com/opalchat/chat-replica-service/internal/domain/model"
)

type createAccountRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := a.chat.CreateAccount(r.Context(), req.Name, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.chat.DeleteAccount(r.Context(), accountFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	token, err := a.sessions.Login(r.Context(), req.Account, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if !a.sessions.Logout(token) {
		writeError(w, errUnknownToken)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	names, err := a.chat.ListUsers(r.Context(), r.URL.Query().Get("pattern"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": names})
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type sendMessageResponse struct {
	Message       model.Message `json:"message"`
	DeliveredRead bool          `json:"delivered_read"`
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, asRead, err := a.chat.SendMessage(r.Context(), accountFrom(r.Context()), req.To, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{Message: msg, DeliveredRead: asRead})
}

type popRequest struct {
	N int `json:"n"`
}

func (a *API) handlePopUnread(w http.ResponseWriter, r *http.Request) {
	req := popRequest{N: -1}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	msgs, err := a.chat.PopUnread(r.Context(), accountFrom(r.Context()), req.N)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Message{"messages": msgs})
}

func (a *API) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	count := queryInt(r, "count", -1)

	msgs, err := a.chat.ReadMessages(r.Context(), accountFrom(r.Context()), offset, count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Message{"messages": msgs})
}

func (a *API) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.chat.MailboxCounts(r.Context(), accountFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type deleteMessagesRequest struct {
	IDs []uint64 `json:"ids"`
}

func (a *API) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req deleteMessagesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := a.chat.DeleteMessages(r.Context(), accountFrom(r.Context()), req.IDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.chat.ClusterStatus())
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return auth
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
