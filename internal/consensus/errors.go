package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned for operations on a node that has shut down.
	ErrStopped = errors.New("consensus: node stopped")

	// ErrNoQuorum means a majority of peers could not be reached in time.
	ErrNoQuorum = errors.New("consensus: no quorum")
)

// NotLeaderError rejects an operation that only the leader may serve.
// LeaderID is the node's best guess at who the leader is; empty when it
// does not know.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "consensus: not leader"
	}
	return fmt.Sprintf("consensus: not leader, try %s", e.LeaderID)
}

// AsNotLeader unwraps err to a NotLeaderError if there is one.
func AsNotLeader(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle, true
	}
	return nil, false
}
