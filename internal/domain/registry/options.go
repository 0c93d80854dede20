package registry

import "time"

// Option configures the Hub at construction.
type Option func(*Hub)

// WithEvictionInterval sets how often the janitor sweeps idle cells.
func WithEvictionInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.config.evictionInterval = d
	}
}

// WithIdleTimeout sets the quiet period after which a cell with no
// streams may be reclaimed.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.config.idleTimeout = d
	}
}

// WithMailboxSize sets each account mailbox's capacity; beyond it the
// oldest queued events are shed.
func WithMailboxSize(size int) Option {
	return func(h *Hub) {
		h.config.mailboxSize = size
	}
}
