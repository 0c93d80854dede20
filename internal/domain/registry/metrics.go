package registry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	droppedEventsTotal atomic.Uint64

	droppedEventsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "hub",
		Name:      "dropped_events_total",
		Help:      "Events shed by full mailboxes or stalled sessions.",
	})

	connectedAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "hub",
		Name:      "connected_accounts",
		Help:      "Accounts with at least one live subscription stream.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "hub",
		Name:      "active_connections",
		Help:      "Open subscription streams across all accounts.",
	})
)

// markDropped feeds both the scrape counter and the census total.
func markDropped() {
	droppedEventsTotal.Add(1)
	droppedEventsCounter.Inc()
}

func droppedTotal() uint64 {
	return droppedEventsTotal.Load()
}
