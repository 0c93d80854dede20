package consensus

import (
	"context"
	"errors"
	"sync"
)

// RPCHandler is the receiving side of the peer RPC surface. *Node
// implements it; servers and the loopback network dispatch into it.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	HandleInstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

var ErrUnreachable = errors.New("consensus: peer unreachable")

// LoopbackNetwork wires a cluster together inside one process and lets
// tests cut and heal links to simulate partitions and node failures.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	nodes map[string]RPCHandler
	cut   map[string]map[string]bool
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		nodes: make(map[string]RPCHandler),
		cut:   make(map[string]map[string]bool),
	}
}

// Register attaches a node's handler under its id.
func (ln *LoopbackNetwork) Register(id string, h RPCHandler) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.nodes[id] = h
}

// Transport returns the sending side for one node.
func (ln *LoopbackNetwork) Transport(id string) Transport {
	return &loopbackTransport{net: ln, from: id}
}

// Disconnect cuts every link to and from id.
func (ln *LoopbackNetwork) Disconnect(id string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for other := range ln.nodes {
		if other == id {
			continue
		}
		ln.cutLocked(id, other)
		ln.cutLocked(other, id)
	}
}

// Partition cuts links between nodes in different groups; links inside
// a group stay up.
func (ln *LoopbackNetwork) Partition(groups ...[]string) {
	group := make(map[string]int)
	for i, g := range groups {
		for _, id := range g {
			group[id] = i
		}
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.cut = make(map[string]map[string]bool)
	for a := range ln.nodes {
		for b := range ln.nodes {
			if a == b {
				continue
			}
			ga, aok := group[a]
			gb, bok := group[b]
			if !aok || !bok || ga != gb {
				ln.cutLocked(a, b)
			}
		}
	}
}

// Heal restores every link.
func (ln *LoopbackNetwork) Heal() {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.cut = make(map[string]map[string]bool)
}

func (ln *LoopbackNetwork) cutLocked(from, to string) {
	if ln.cut[from] == nil {
		ln.cut[from] = make(map[string]bool)
	}
	ln.cut[from][to] = true
}

func (ln *LoopbackNetwork) handler(from, to string) (RPCHandler, error) {
	ln.mu.RLock()
	defer ln.mu.RUnlock()
	if ln.cut[from][to] {
		return nil, ErrUnreachable
	}
	h, ok := ln.nodes[to]
	if !ok {
		return nil, ErrUnreachable
	}
	return h, nil
}

type loopbackTransport struct {
	net  *LoopbackNetwork
	from string
}

var _ Transport = (*loopbackTransport)(nil)

func (t *loopbackTransport) RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	h, err := t.net.handler(t.from, peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(ctx, args)
}

func (t *loopbackTransport) AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	h, err := t.net.handler(t.from, peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(ctx, args)
}

func (t *loopbackTransport) InstallSnapshot(ctx context.Context, peerID string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	h, err := t.net.handler(t.from, peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(ctx, args)
}
