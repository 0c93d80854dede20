// Package lp serves subscription events over plain HTTP long-polling
// for clients that cannot hold a WebSocket.
package lp

import (
	"net/http"
	"time"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
	lpmarshaller "github.com/opalchat/chat-replica-service/internal/handler/marshaller/lp"
	"github.com/opalchat/chat-replica-service/internal/service"
)

type LPHandler struct {
	deliverer service.Deliverer
	sessions  service.Sessioner
}

func NewLPHandler(deliverer service.Deliverer, sessions service.Sessioner) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
		sessions:  sessions,
	}
}

// Poll holds the connection until an event arrives or the poll window
// closes.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	account, ok := h.sessions.Authenticate(token)
	if !ok {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	// Temporary subscription scoped to this one request.
	conn, err := h.deliverer.Subscribe(r.Context(), account)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer h.deliverer.Unsubscribe(conn)

	var events []event.Eventer

	select {
	case <-r.Context().Done():
		return

	case <-time.After(30 * time.Second):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev, ok := <-conn.Recv():
		if !ok {
			return
		}
		events = append(events, ev)

		// Drain whatever else is buffered so the client needs fewer
		// round trips.
	drainLoop:
		for i := 0; i < 15; i++ {
			select {
			case nextEv := <-conn.Recv():
				events = append(events, nextEv)
			default:
				break drainLoop
			}
		}
	}

	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
