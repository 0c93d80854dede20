/*
Package registry tracks which accounts hold live subscription streams on
this node and fans applied events out to them.

Every connected account gets an isolated cell (actor) owning all of that
account's concurrent streams. Cells decouple the dispatcher from slow
consumers through bounded per-account mailboxes: when a mailbox is full
the oldest queued event is shed, never the dispatcher's time.
*/
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// Celler is the internal API for per-account delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	Connections() int
	IsIdle(timeout time.Duration) bool
	Stop()
}

var _ Celler = (*Cell)(nil)

// Cell owns delivery for a single account.
type Cell struct {
	account string

	// mailbox decouples the hub from individual stream delivery.
	mailbox chan event.Eventer

	// sessions multiplexes one event to every open stream of the
	// account (several devices, several tabs).
	sessions map[uuid.UUID]Connector

	mu sync.RWMutex

	doneCh   chan struct{}
	stopOnce sync.Once

	lastActivityAt time.Time
}

func NewCell(account string, mailboxSize int) *Cell {
	c := &Cell{
		account:        account,
		mailbox:        make(chan event.Eventer, mailboxSize),
		sessions:       make(map[uuid.UUID]Connector),
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle reports whether the cell has no streams and saw no events
// within timeout, making it eligible for eviction.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// Push enqueues an event for delivery. A full mailbox sheds its oldest
// entry to make room; the return value is false only when the event
// could not be queued at all.
func (c *Cell) Push(ev event.Eventer) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
	}

	// [DROP_OLDEST] keep the freshest events under overload.
	select {
	case <-c.mailbox:
		markDropped()
	default:
	}
	select {
	case c.mailbox <- ev:
		return true
	default:
		markDropped()
		return false
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
	c.sessions[conn.GetID()] = conn
}

// Detach removes one stream; true means the cell has none left.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

func (c *Cell) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, conn := range c.sessions {
		conn.Send(ev, 500*time.Millisecond)
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
