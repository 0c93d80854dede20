package consensus

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opalchat/chat-replica-service/infra/storage"
)

// applied is one command's outcome as seen by the state machine.
type applied struct {
	value any
	err   error
}

// proposalWaiter parks a Propose call until its entry is applied. The
// term pins the proposal: an entry applied at the same index but a
// different term belongs to another leader, so the original proposal
// is lost.
type proposalWaiter struct {
	term uint64
	ch   chan applied
}

const resultCacheSize = 4096

// resultCache keeps recent apply outcomes keyed by log index, expiring
// them after the configured TTL.
type resultCache struct {
	lru *expirable.LRU[uint64, applied]
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{lru: expirable.NewLRU[uint64, applied](resultCacheSize, nil, ttl)}
}

func (c *resultCache) add(index uint64, out applied) { c.lru.Add(index, out) }

func (c *resultCache) get(index uint64) (applied, bool) { return c.lru.Get(index) }

// AppliedResult returns the outcome recorded for a log index, if it is
// still cached and applied cleanly.
func (n *Node) AppliedResult(index uint64) (any, bool) {
	out, ok := n.results.get(index)
	if !ok || out.err != nil {
		return nil, false
	}
	return out.value, true
}

// applyLoop is the only goroutine that touches the state machine. It
// drains the committed-but-unapplied range in index order whenever the
// commit index moves.
func (n *Node) applyLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyCh:
		}
		n.applyReady()
	}
}

func (n *Node) applyReady() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		index := n.lastApplied + 1
		entry, ok := n.log.entry(index)
		n.mu.Unlock()

		if !ok {
			n.logger.Error("committed entry missing from log", slog.Uint64("index", index))
			return
		}

		value, err := n.sm.Apply(entry.Kind, entry.Payload)
		if err != nil {
			n.logger.Error("apply command",
				slog.Uint64("index", index), slog.Any("error", err))
		}
		out := applied{value: value, err: err}

		n.mu.Lock()
		n.lastApplied = index
		n.appliedSinceSnap++
		n.results.add(index, out)
		w := n.waiters[index]
		delete(n.waiters, index)
		needSnapshot := n.cfg.SnapshotEvery > 0 && n.appliedSinceSnap >= n.cfg.SnapshotEvery
		n.mu.Unlock()

		if w != nil {
			if w.term == entry.Term {
				w.ch <- out
			} else {
				w.ch <- applied{err: &NotLeaderError{LeaderID: n.LeaderID()}}
			}
		}
		if hook := n.cfg.OnApplied; hook != nil && err == nil {
			hook(entry, value)
		}
		if needSnapshot {
			n.takeSnapshot(index, entry.Term)
		}
	}
}

// takeSnapshot runs on the apply goroutine, so the state machine image
// corresponds exactly to the just-applied index.
func (n *Node) takeSnapshot(index, term uint64) {
	state, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("take snapshot", slog.Any("error", err))
		return
	}

	snap := storage.Snapshot{LastIndex: index, LastTerm: term, State: state}
	if err := n.store.SaveSnapshot(snap); err != nil {
		n.logger.Error("save snapshot", slog.Any("error", err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.log.compactTo(index, term); err != nil {
		n.logger.Error("compact log", slog.Any("error", err))
		return
	}
	n.appliedSinceSnap = 0
	n.logger.Info("snapshot taken",
		slog.Uint64("last_index", index),
		slog.Uint64("log_entries", n.log.size()))
}
