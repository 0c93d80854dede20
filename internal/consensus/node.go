package consensus

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/opalchat/chat-replica-service/infra/storage"
)

// Node is one member of the replication cluster. All shared state sits
// behind a single mutex; RPC handlers, the tick loop and the apply
// worker coordinate through it.
type Node struct {
	cfg    Config
	id     string
	peers  []string
	quorum int

	store     *storage.Store
	sm        StateMachine
	transport Transport
	clock     Clock
	logger    *slog.Logger

	mu               sync.Mutex
	role             Role
	currentTerm      uint64
	votedFor         string
	leaderID         string
	log              *raftLog
	commitIndex      uint64
	lastApplied      uint64
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	electionDeadline time.Time
	lastHeartbeat    time.Time
	appliedSinceSnap uint64
	waiters          map[uint64]*proposalWaiter

	results *resultCache

	applyCh chan struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewNode restores durable state from the store and wires the node. It
// does not start any background work; call Start.
func NewNode(cfg Config, store *storage.Store, sm StateMachine, transport Transport) (*Node, error) {
	cfg = cfg.withDefaults()

	n := &Node{
		cfg:        cfg,
		id:         cfg.ID,
		peers:      append([]string(nil), cfg.Peers...),
		quorum:     (len(cfg.Peers)+1)/2 + 1,
		store:      store,
		sm:         sm,
		transport:  transport,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With(slog.String("node", cfg.ID)),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		waiters:    make(map[uint64]*proposalWaiter),
		results:    newResultCache(cfg.ResultTTL),
		applyCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	var snapIndex, snapTerm uint64
	snap, ok, err := store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := sm.Restore(snap.State); err != nil {
			return nil, err
		}
		snapIndex, snapTerm = snap.LastIndex, snap.LastTerm
		n.commitIndex = snapIndex
		n.lastApplied = snapIndex
	}

	hs, ok, err := store.LoadHardState()
	if err != nil {
		return nil, err
	}
	if ok {
		n.currentTerm = hs.Term
		n.votedFor = hs.VotedFor
	}

	n.log, err = loadLog(store, snapIndex, snapTerm)
	if err != nil {
		return nil, err
	}

	// Resume the commit point recorded before the last shutdown so the
	// apply worker replays the log without waiting for cluster traffic.
	if hs.Commit > n.commitIndex {
		n.commitIndex = hs.Commit
		if last := n.log.lastIndex(); n.commitIndex > last {
			n.commitIndex = last
		}
	}

	return n, nil
}

// Start launches the tick loop and the apply worker.
func (n *Node) Start() {
	n.mu.Lock()
	n.resetElectionDeadlineLocked()
	n.mu.Unlock()

	n.wg.Add(2)
	go n.run()
	go n.applyLoop()
	n.signalApply()
}

// Stop shuts the node down and fails every pending proposal.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	n.failWaitersLocked(ErrStopped)
	n.mu.Unlock()
}

func (n *Node) ID() string { return n.id }

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderID is the node's best guess at the current leader; empty when
// unknown.
func (n *Node) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// Status reports a consistent point-in-time view.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:          n.id,
		Role:        n.role.String(),
		Term:        n.currentTerm,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   n.log.lastIndex(),
	}
}

// Propose appends a command on the leader and waits until it is applied
// or known lost. Followers reject immediately with a leader hint.
func (n *Node) Propose(ctx context.Context, kind uint8, payload []byte) (any, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, ErrStopped
	}
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return nil, &NotLeaderError{LeaderID: leader}
	}

	entry := storage.Entry{
		Index:   n.log.lastIndex() + 1,
		Term:    n.currentTerm,
		Kind:    kind,
		Payload: payload,
	}
	if err := n.log.append(entry); err != nil {
		n.haltLocked()
		n.mu.Unlock()
		return nil, err
	}
	proposalsTotal.Inc()

	w := &proposalWaiter{term: entry.Term, ch: make(chan applied, 1)}
	n.waiters[entry.Index] = w
	n.advanceCommitLocked()
	n.mu.Unlock()

	n.broadcastAppendEntries()

	select {
	case out := <-w.ch:
		return out.value, out.err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, entry.Index)
		n.mu.Unlock()
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, ErrStopped
	}
}

// Barrier confirms this node is still the leader by collecting a round
// of heartbeat acks from a majority. Reads served after a successful
// barrier cannot observe a stale leader's state.
func (n *Node) Barrier(ctx context.Context) error {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return &NotLeaderError{LeaderID: leader}
	}
	term := n.currentTerm
	peers := n.peers
	n.mu.Unlock()

	if len(peers) == 0 {
		return nil
	}

	acks := make(chan bool, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			n.mu.Lock()
			if n.role != Leader || n.currentTerm != term {
				n.mu.Unlock()
				acks <- false
				return
			}
			prev := n.nextIndex[peer] - 1
			args := &AppendEntriesArgs{
				Term:         term,
				LeaderID:     n.id,
				PrevLogIndex: prev,
				PrevLogTerm:  n.log.termAt(prev),
				LeaderCommit: n.commitIndex,
			}
			n.mu.Unlock()

			reply, err := n.transport.AppendEntries(ctx, peer, args)
			if err != nil {
				acks <- false
				return
			}
			n.observeTerm(reply.Term)
			acks <- reply.Term == term
		}(peer)
	}

	got := 1 // self
	for range peers {
		select {
		case ok := <-acks:
			if ok {
				got++
				if got >= n.quorum {
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stopCh:
			return ErrStopped
		}
	}
	return ErrNoQuorum
}

// run drives elections and heartbeats off one coarse ticker.
func (n *Node) run() {
	defer n.wg.Done()

	tick := n.cfg.HeartbeatInterval / 2
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	tickCh, stopTick := n.clock.Ticker(tick)
	defer stopTick()

	for {
		select {
		case <-n.stopCh:
			return
		case <-tickCh:
		}

		var heartbeat bool
		now := n.clock.Now()
		n.mu.Lock()
		if n.role == Leader {
			if now.Sub(n.lastHeartbeat) >= n.cfg.HeartbeatInterval {
				n.lastHeartbeat = now
				heartbeat = true
			}
		} else if now.After(n.electionDeadline) {
			n.startElectionLocked()
		}
		n.mu.Unlock()

		if heartbeat {
			n.broadcastAppendEntries()
		}
	}
}

func (n *Node) resetElectionDeadlineLocked() {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	timeout := n.cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
	n.electionDeadline = n.clock.Now().Add(timeout)
}

// startElectionLocked bumps the term, votes for itself and fans out
// vote requests. The vote counter lives in the closure, guarded by the
// node mutex.
func (n *Node) startElectionLocked() {
	n.role = Candidate
	roleTransitions.WithLabelValues("candidate").Inc()
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	if err := n.persistHardStateLocked(); err != nil {
		return
	}
	n.resetElectionDeadlineLocked()

	term := n.currentTerm
	lastIndex := n.log.lastIndex()
	lastTerm := n.log.lastTerm()
	n.logger.Info("starting election", slog.Uint64("term", term))

	if n.quorum == 1 {
		n.becomeLeaderLocked()
		return
	}

	votes := 1
	for _, peer := range n.peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
			defer cancel()

			reply, err := n.transport.RequestVote(ctx, peer, &RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term, "")
				return
			}
			if n.role != Candidate || n.currentTerm != term || !reply.VoteGranted {
				return
			}
			votes++
			if votes >= n.quorum {
				n.becomeLeaderLocked()
			}
		}(peer)
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	roleTransitions.WithLabelValues("leader").Inc()
	n.leaderID = n.id
	n.lastHeartbeat = n.clock.Now()
	next := n.log.lastIndex() + 1
	for _, peer := range n.peers {
		n.nextIndex[peer] = next
		n.matchIndex[peer] = 0
	}
	n.logger.Info("became leader",
		slog.Uint64("term", n.currentTerm),
		slog.Uint64("last_index", n.log.lastIndex()))

	go n.broadcastAppendEntries()
}

// becomeFollowerLocked steps down into term and grants the sender a
// fresh election window.
func (n *Node) becomeFollowerLocked(term uint64, leader string) error {
	err := n.stepDownLocked(term, leader)
	n.resetElectionDeadlineLocked()
	return err
}

// stepDownLocked adopts term as a follower without touching the
// election deadline: only a granted vote or a message from a live
// leader may postpone this node's own candidacy. Pending proposals are
// failed: their entries may survive, but this node can no longer vouch
// for them.
func (n *Node) stepDownLocked(term uint64, leader string) error {
	wasLeader := n.role == Leader
	if n.role != Follower {
		roleTransitions.WithLabelValues("follower").Inc()
	}
	n.role = Follower
	var err error
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		err = n.persistHardStateLocked()
	}
	n.leaderID = leader

	if wasLeader {
		n.logger.Info("stepped down", slog.Uint64("term", n.currentTerm))
	}
	n.failWaitersLocked(&NotLeaderError{LeaderID: leader})
	return err
}

// observeTerm steps down if a reply revealed a newer term.
func (n *Node) observeTerm(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term > n.currentTerm {
		n.becomeFollowerLocked(term, "")
	}
}

func (n *Node) failWaitersLocked(err error) {
	for index, w := range n.waiters {
		w.ch <- applied{err: err}
		delete(n.waiters, index)
	}
}

// persistHardStateLocked writes term, vote and commit point to disk.
// On failure the node halts: a reply built on unsynced state could
// grant the same term's vote twice after a crash.
func (n *Node) persistHardStateLocked() error {
	hs := storage.HardState{Term: n.currentTerm, VotedFor: n.votedFor, Commit: n.commitIndex}
	if err := n.store.SaveHardState(hs); err != nil {
		n.logger.Error("persist hard state, halting", slog.Any("error", err))
		n.haltLocked()
		return err
	}
	return nil
}

// haltLocked takes the node out of service after a durable-store
// failure. Stop stays safe to call afterwards.
func (n *Node) haltLocked() {
	if n.stopped {
		return
	}
	n.stopped = true
	close(n.stopCh)
	n.failWaitersLocked(ErrStopped)
}

func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	peers := n.peers
	n.mu.Unlock()

	for _, peer := range peers {
		go n.replicate(peer)
	}
}

// replicate brings one peer up to date: a log suffix when the peer's
// next entry is still in the window, a full snapshot when it was
// compacted away. Rejections move nextIndex back by the peer's
// ConflictIndex and retry immediately.
func (n *Node) replicate(peer string) {
	for {
		n.mu.Lock()
		if n.stopped || n.role != Leader {
			n.mu.Unlock()
			return
		}
		term := n.currentTerm
		next := n.nextIndex[peer]
		if next == 0 {
			next = 1
		}

		if next <= n.log.snapIndex {
			n.mu.Unlock()
			n.sendSnapshot(peer, term)
			return
		}

		prev := next - 1
		args := &AppendEntriesArgs{
			Term:         term,
			LeaderID:     n.id,
			PrevLogIndex: prev,
			PrevLogTerm:  n.log.termAt(prev),
			Entries:      n.log.entriesFrom(next),
			LeaderCommit: n.commitIndex,
		}
		n.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
		reply, err := n.transport.AppendEntries(ctx, peer, args)
		cancel()
		if err != nil {
			return
		}

		n.mu.Lock()
		if reply.Term > n.currentTerm {
			n.becomeFollowerLocked(reply.Term, "")
			n.mu.Unlock()
			return
		}
		if n.role != Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}

		if reply.Success {
			match := prev + uint64(len(args.Entries))
			if match > n.matchIndex[peer] {
				n.matchIndex[peer] = match
			}
			n.nextIndex[peer] = match + 1
			n.advanceCommitLocked()
			n.mu.Unlock()
			return
		}

		// Rejected: jump back and retry.
		replicationRetries.Inc()
		back := reply.ConflictIndex
		if back == 0 || back >= next {
			back = next - 1
		}
		if back < 1 {
			back = 1
		}
		n.nextIndex[peer] = back
		n.mu.Unlock()
	}
}

func (n *Node) sendSnapshot(peer string, term uint64) {
	snap, ok, err := n.store.LoadSnapshot()
	if err != nil || !ok {
		n.logger.Error("load snapshot for peer",
			slog.String("peer", peer), slog.Any("error", err))
		return
	}

	args := &InstallSnapshotArgs{
		Term:      term,
		LeaderID:  n.id,
		LastIndex: snap.LastIndex,
		LastTerm:  snap.LastTerm,
		State:     snap.State,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*n.cfg.ElectionTimeoutMax)
	reply, err := n.transport.InstallSnapshot(ctx, peer, args)
	cancel()
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(reply.Term, "")
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}
	n.nextIndex[peer] = snap.LastIndex + 1
	if snap.LastIndex > n.matchIndex[peer] {
		n.matchIndex[peer] = snap.LastIndex
	}
	n.logger.Info("snapshot installed on peer",
		slog.String("peer", peer), slog.Uint64("last_index", snap.LastIndex))
}

// advanceCommitLocked moves commitIndex to the highest current-term
// index held by a majority. Entries from older terms commit only as a
// side effect, never directly.
func (n *Node) advanceCommitLocked() {
	for idx := n.log.lastIndex(); idx > n.commitIndex; idx-- {
		if n.log.termAt(idx) != n.currentTerm {
			break
		}
		count := 1
		for _, match := range n.matchIndex {
			if match >= idx {
				count++
			}
		}
		if count >= n.quorum {
			n.commitIndex = idx
			if err := n.persistHardStateLocked(); err != nil {
				return
			}
			n.signalApply()
			break
		}
	}
}

func (n *Node) signalApply() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

// HandleRequestVote answers a peer's vote request. A granted vote is
// on disk before the reply leaves.
func (n *Node) HandleRequestVote(_ context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &RequestVoteReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply, nil
	}
	if args.Term > n.currentTerm {
		// Adopt the term but keep our own election deadline: only a
		// granted vote may postpone this node's candidacy.
		if err := n.stepDownLocked(args.Term, ""); err != nil {
			return nil, err
		}
	}
	reply.Term = n.currentTerm

	if n.votedFor != "" && n.votedFor != args.CandidateID {
		return reply, nil
	}

	// Grant only to candidates whose log is at least as complete.
	lastIndex := n.log.lastIndex()
	lastTerm := n.log.lastTerm()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
	if !upToDate {
		return reply, nil
	}

	n.votedFor = args.CandidateID
	if err := n.persistHardStateLocked(); err != nil {
		return nil, err
	}
	n.resetElectionDeadlineLocked()
	reply.VoteGranted = true
	return reply, nil
}

// HandleAppendEntries applies the log consistency check, replaces any
// conflicting suffix and advances the local commit index. Entries are
// durable before the success reply leaves.
func (n *Node) HandleAppendEntries(_ context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &AppendEntriesReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply, nil
	}
	if args.Term > n.currentTerm || n.role != Follower {
		if err := n.becomeFollowerLocked(args.Term, args.LeaderID); err != nil {
			return nil, err
		}
	}
	reply.Term = n.currentTerm
	n.leaderID = args.LeaderID
	n.resetElectionDeadlineLocked()

	if args.PrevLogIndex < n.log.snapIndex {
		// The leader is behind our snapshot; tell it where we start.
		reply.ConflictIndex = n.log.snapIndex + 1
		return reply, nil
	}
	if args.PrevLogIndex > n.log.lastIndex() {
		reply.ConflictIndex = n.log.lastIndex() + 1
		return reply, nil
	}
	if have := n.log.termAt(args.PrevLogIndex); args.PrevLogIndex > n.log.snapIndex && have != args.PrevLogTerm {
		// Skip the whole run of the conflicting term.
		ci := args.PrevLogIndex
		for ci > n.log.snapIndex+1 && n.log.termAt(ci-1) == have {
			ci--
		}
		reply.ConflictIndex = ci
		return reply, nil
	}

	for i, e := range args.Entries {
		idx := args.PrevLogIndex + uint64(i) + 1
		if idx <= n.log.lastIndex() {
			if n.log.termAt(idx) == e.Term {
				continue
			}
			if err := n.log.truncateFrom(idx); err != nil {
				n.haltLocked()
				return nil, err
			}
		}
		if err := n.log.append(args.Entries[i:]...); err != nil {
			n.haltLocked()
			return nil, err
		}
		break
	}

	if args.LeaderCommit > n.commitIndex {
		commit := args.LeaderCommit
		if last := n.log.lastIndex(); last < commit {
			commit = last
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			if err := n.persistHardStateLocked(); err != nil {
				return nil, err
			}
			n.signalApply()
		}
	}

	reply.Success = true
	return reply, nil
}

// HandleInstallSnapshot replaces local state with the leader's image
// and resets the log to start after it.
func (n *Node) HandleInstallSnapshot(_ context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{Term: n.currentTerm}
	if args.Term < n.currentTerm {
		return reply, nil
	}
	if args.Term > n.currentTerm || n.role != Follower {
		if err := n.becomeFollowerLocked(args.Term, args.LeaderID); err != nil {
			return nil, err
		}
	}
	reply.Term = n.currentTerm
	n.leaderID = args.LeaderID
	n.resetElectionDeadlineLocked()

	if args.LastIndex <= n.log.snapIndex || args.LastIndex <= n.lastApplied {
		return reply, nil // stale image
	}

	if err := n.sm.Restore(args.State); err != nil {
		return nil, err
	}
	snap := storage.Snapshot{LastIndex: args.LastIndex, LastTerm: args.LastTerm, State: args.State}
	if err := n.store.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	if err := n.log.reset(args.LastIndex, args.LastTerm); err != nil {
		return nil, err
	}

	n.lastApplied = args.LastIndex
	if args.LastIndex > n.commitIndex {
		n.commitIndex = args.LastIndex
		if err := n.persistHardStateLocked(); err != nil {
			return nil, err
		}
	}
	n.appliedSinceSnap = 0
	n.logger.Info("restored from leader snapshot", slog.Uint64("last_index", args.LastIndex))
	return reply, nil
}
