package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
)

// Hubber is the gateway for session tracking and event routing.
type Hubber interface {
	Broadcast(ev event.Eventer) bool
	Register(conn Connector)
	Unregister(account string, connID uuid.UUID)
	IsConnected(account string) bool
	Stats() model.HubStats
	Shutdown()
}

var _ Hubber = (*Hub)(nil)

// Hub maps account names to their cells. sync.Map because lookups on
// the broadcast path vastly outnumber connect/disconnect churn.
type Hub struct {
	cells sync.Map // map[string]Celler

	config struct {
		mailboxSize      int
		idleTimeout      time.Duration
		evictionInterval time.Duration
	}

	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{doneCh: make(chan struct{})}
	h.config.mailboxSize = 1024
	h.config.idleTimeout = 30 * time.Minute
	h.config.evictionInterval = 15 * time.Minute
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

// IsConnected reports whether the account has a cell on this node. The
// message path uses this as the online hint at submission time.
func (h *Hub) IsConnected(account string) bool {
	val, ok := h.cells.Load(account)
	if !ok {
		return false
	}
	cell, ok := val.(Celler)
	return ok && cell.Connections() > 0
}

// Broadcast routes an event to its account's cell. False on miss or
// when the event had to be shed.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetAccount()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register attaches a stream, creating the account's cell on first use.
func (h *Hub) Register(conn Connector) {
	account := conn.GetAccount()
	val, ok := h.cells.Load(account)
	if !ok {
		fresh := NewCell(account, h.config.mailboxSize)
		actual, raced := h.cells.LoadOrStore(account, fresh)
		if raced {
			fresh.Stop()
			val = actual
		} else {
			val = fresh
			connectedAccounts.Inc()
		}
	}
	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
		activeConnections.Inc()
	}
}

// Unregister detaches one stream and reclaims the cell when it was the
// account's last.
func (h *Hub) Unregister(account string, connID uuid.UUID) {
	val, ok := h.cells.Load(account)
	if !ok {
		return
	}
	cell, ok := val.(Celler)
	if !ok || cell == nil {
		return
	}
	activeConnections.Dec()
	if cell.Detach(connID) {
		cell.Stop()
		h.cells.Delete(account)
		connectedAccounts.Dec()
	}
}

// Stats is a point-in-time census for health and debug surfaces.
func (h *Hub) Stats() model.HubStats {
	var stats model.HubStats
	h.cells.Range(func(_, val any) bool {
		if cell, ok := val.(Celler); ok && cell != nil {
			stats.TotalAccounts++
			stats.TotalConnections += cell.Connections()
		}
		return true
	})
	stats.DroppedEvents = droppedTotal()
	return stats
}

// Shutdown stops every cell and the janitor.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.doneCh)
		h.cells.Range(func(key, val any) bool {
			if cell, ok := val.(Celler); ok && cell != nil {
				cell.Stop()
			}
			h.cells.Delete(key)
			return true
		})
	})
}

// janitor periodically reclaims cells whose account went quiet without
// a clean disconnect.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				cell, ok := val.(Celler)
				if ok && cell != nil && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
					connectedAccounts.Dec()
				}
				return true
			})
		}
	}
}
