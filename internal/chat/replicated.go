package chat

// Replicated adapts the typed state machine to the byte-level apply
// contract of the replication layer. The explicit Apply shadows the
// embedded typed one; Snapshot and Restore promote unchanged.
type Replicated struct {
	*StateMachine
}

func (r Replicated) Apply(kind uint8, payload []byte) (any, error) {
	return r.StateMachine.Apply(CommandKind(kind), payload)
}
