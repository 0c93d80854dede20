// Package consensus implements leader-based log replication across a
// fixed cluster of peers. One node at a time accepts proposals, appends
// them to its durable log and replicates them; entries acknowledged by
// a majority are committed and applied, in index order, to the state
// machine on every node.
package consensus

import (
	"context"
	"log/slog"
	"time"

	"github.com/opalchat/chat-replica-service/infra/storage"
)

// Role is the node's position in the current term.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// StateMachine is the replicated application the committed log drives.
// Apply runs on exactly one goroutine, in strict index order, with the
// same inputs on every node.
type StateMachine interface {
	Apply(kind uint8, payload []byte) (result any, err error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Clock abstracts the timer source so tests can drive election timing
// deterministically instead of sleeping against the wall clock.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) (ch <-chan time.Time, stop func())
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Ticker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Transport delivers RPCs to one peer and returns its reply.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peerID string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// RequestVoteArgs asks a peer for its vote in Term.
type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesArgs replicates a log suffix; with no entries it doubles
// as the leader heartbeat.
type AppendEntriesArgs struct {
	Term         uint64          `json:"term"`
	LeaderID     string          `json:"leader_id"`
	PrevLogIndex uint64          `json:"prev_log_index"`
	PrevLogTerm  uint64          `json:"prev_log_term"`
	Entries      []storage.Entry `json:"entries,omitempty"`
	LeaderCommit uint64          `json:"leader_commit"`
}

// AppendEntriesReply carries ConflictIndex on rejection so the leader
// can skip back over a whole divergent range instead of probing one
// index per round trip.
type AppendEntriesReply struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
}

// InstallSnapshotArgs ships a full state image to a follower whose next
// needed entry has been compacted away.
type InstallSnapshotArgs struct {
	Term      uint64 `json:"term"`
	LeaderID  string `json:"leader_id"`
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
	State     []byte `json:"state"`
}

type InstallSnapshotReply struct {
	Term uint64 `json:"term"`
}

// Status is a point-in-time view for health and debug surfaces.
type Status struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
	LastIndex   uint64 `json:"last_index"`
}

// Config carries one node's identity, peer set and tuning.
type Config struct {
	ID    string
	Peers []string // every other node in the cluster

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// SnapshotEvery triggers a snapshot and log compaction after this
	// many applied entries. Zero disables automatic snapshots.
	SnapshotEvery uint64

	// ResultTTL bounds how long a proposal result stays retrievable
	// after apply.
	ResultTTL time.Duration

	// Clock overrides the timer source; nil means real time.
	Clock Clock

	Logger *slog.Logger

	// OnApplied, when set, observes every committed entry right after
	// apply. It runs on the apply goroutine and must not block.
	OnApplied func(entry storage.Entry, result any)
}

const (
	defaultElectionTimeoutMin = 150 * time.Millisecond
	defaultElectionTimeoutMax = 300 * time.Millisecond
	defaultHeartbeatInterval  = 50 * time.Millisecond
	defaultResultTTL          = time.Minute
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.ElectionTimeoutMin <= 0 {
		out.ElectionTimeoutMin = defaultElectionTimeoutMin
	}
	if out.ElectionTimeoutMax <= out.ElectionTimeoutMin {
		out.ElectionTimeoutMax = 2 * out.ElectionTimeoutMin
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = defaultHeartbeatInterval
	}
	if out.ResultTTL <= 0 {
		out.ResultTTL = defaultResultTTL
	}
	if out.Clock == nil {
		out.Clock = wallClock{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
