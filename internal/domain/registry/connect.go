package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opalchat/chat-replica-service/internal/domain/event"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is one live subscription stream for an account. The hub
// pushes events in; the transport handler drains Recv.
type Connector interface {
	GetID() uuid.UUID
	GetAccount() string
	Send(ev event.Eventer, timeout time.Duration) bool
	Recv() <-chan event.Eventer
	Close()
}

// ConnectMetadata is exported for transport and debug layers.
type ConnectMetadata struct {
	Transport string
	RemoteIP  string
	UserAgent string
}

type connect struct {
	id        uuid.UUID
	account   string
	metadata  ConnectMetadata
	createdAt time.Time
	ctx       context.Context
	cancelFn  context.CancelFunc
	sendCh    chan event.Eventer
	closeOnce sync.Once
	dropped   uint64 // atomic
}

// [POOL] reuse connector shells across short-lived sessions.
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// NewConnector builds a session stream bound to ctx; cancelling ctx or
// calling Close tears it down.
func NewConnector(ctx context.Context, account string, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, account, bufferSize)
	return c
}

// reset wipes pooled state with a fresh struct literal, which also
// re-arms the closeOnce guard.
func (c *connect) reset(ctx context.Context, account string, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)
	*c = connect{
		id:        uuid.New(),
		account:   account,
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan event.Eventer, bufferSize),
	}
}

func (c *connect) GetID() uuid.UUID   { return c.id }
func (c *connect) GetAccount() string { return c.account }

// Send enqueues an event, waiting up to timeout for buffer space so one
// stalled session cannot hold its cell hostage.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-ctx.Done():
		return c.shedOldest(ev)
	}
}

// shedOldest frees space for a saturated session by dropping the oldest
// queued event, unless the newcomer itself is low priority.
func (c *connect) shedOldest(ev event.Eventer) bool {
	if ev.GetPriority() <= event.PriorityLow {
		atomic.AddUint64(&c.dropped, 1)
		markDropped()
		return false
	}

	select {
	case <-c.sendCh:
		atomic.AddUint64(&c.dropped, 1)
		markDropped()
	default:
	}

	select {
	case c.sendCh <- ev:
		return true
	default:
		atomic.AddUint64(&c.dropped, 1)
		markDropped()
		return false
	}
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }

// Dropped reports how many events this session shed.
func (c *connect) Dropped() uint64 { return atomic.LoadUint64(&c.dropped) }

// Close tears the session down exactly once and recycles the shell.
// Closing sendCh is the signal the transport handler loops on.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		if c.sendCh != nil {
			close(c.sendCh)
		}
		c.sendCh = nil
		c.metadata = ConnectMetadata{}
		connectPool.Put(c)
	})
}
