// Package ws exposes subscription streams over WebSocket. A client
// authenticates with a bearer token, gets a handshake frame, then
// receives every event routed to its account on this node.
package ws

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
	wsmarshaller "github.com/opalchat/chat-replica-service/internal/handler/marshaller/ws"
	"github.com/opalchat/chat-replica-service/internal/service"
)

type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	sessions  service.Sessioner
	nodeID    string
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer service.Deliverer, sessions service.Sessioner, nodeID string) *WSHandler {
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		sessions:  sessions,
		nodeID:    nodeID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. AUTHENTICATE BEFORE UPGRADING
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	account, ok := h.sessions.Authenticate(token)
	if !ok {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// 3. SUBSCRIBE VIA THE SAME SERVICE AS EVERY OTHER TRANSPORT
	conn, err := h.deliverer.Subscribe(r.Context(), account)
	if err != nil {
		return
	}
	defer h.deliverer.Unsubscribe(conn)

	l := h.logger.With(
		slog.String("account", account),
		slog.String("conn_id", conn.GetID().String()),
		slog.String("session_id", uuid.NewString()),
	)
	l.Info("ws opened")

	// 4. HANDSHAKE FRAME
	welcome := event.NewSystemEvent(account, event.Connected, event.PriorityNormal, &model.ConnectedPayload{
		Ok:            true,
		ConnectionID:  conn.GetID().String(),
		NodeID:        h.nodeID,
		ServerVersion: model.ServerVersion,
	})
	if data, err := wsmarshaller.MarshallDeliveryEvent(welcome); err == nil {
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			l.Warn("ws handshake failed", "error", err)
			return
		}
	}

	// 5. READER GOROUTINE
	// The stream is server-push only, but reading is the only way to
	// observe a client-side close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// 6. MAIN WS PUMP LOOP
	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			l.Info("ws closed by client")
			return
		case ev, ok := <-conn.Recv():
			if !ok {
				return
			}

			data, err := wsmarshaller.MarshallDeliveryEvent(ev)
			if err != nil {
				l.Error("failed to marshal ws event", "error", err)
				continue
			}

			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Warn("ws send failed", "error", err)
				return
			}
		}
	}
}
