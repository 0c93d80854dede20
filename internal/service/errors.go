package service

import (
	"errors"
	"fmt"

	"github.com/opalchat/chat-replica-service/internal/chat"
	"github.com/opalchat/chat-replica-service/internal/consensus"
)

// Client-visible error taxonomy. Transport handlers map these onto
// their wire codes; NotLeaderError from the replication layer passes
// through untouched so handlers can attach the leader hint.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("invalid credentials")
	ErrUnavailable     = errors.New("service unavailable")
	ErrInternal        = errors.New("internal error")
)

// resultErr converts a deterministic apply outcome into the service
// taxonomy. CodeOK maps to nil.
func resultErr(res chat.Result) error {
	switch res.Code {
	case chat.CodeOK:
		return nil
	case chat.CodeInvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, res.Detail)
	case chat.CodeAlreadyExists:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, res.Detail)
	case chat.CodeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, res.Detail)
	default:
		return fmt.Errorf("%w: unexpected result code %d", ErrInternal, res.Code)
	}
}

// mapReplicationErr normalizes replication failures. Leader redirects
// keep their concrete type.
func mapReplicationErr(err error) error {
	if err == nil {
		return nil
	}
	var nle *consensus.NotLeaderError
	if errors.As(err, &nle) {
		return err
	}
	if errors.Is(err, consensus.ErrStopped) || errors.Is(err, consensus.ErrNoQuorum) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
