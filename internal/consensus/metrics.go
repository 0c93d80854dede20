package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "consensus",
		Name:      "role_transitions_total",
		Help:      "Role changes, labelled by the role entered.",
	}, []string{"role"})

	replicationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "consensus",
		Name:      "replication_retries_total",
		Help:      "AppendEntries rounds rejected by a peer and retried.",
	})

	proposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "consensus",
		Name:      "proposals_total",
		Help:      "Commands accepted into the log by this node as leader.",
	})
)
