package chat

import (
	"encoding/json"
	"fmt"

	"github.com/opalchat/chat-replica-service/pkg/kdf"
)

type snapshotAccount struct {
	Hash   []byte   `json:"hash"`
	Salt   []byte   `json:"salt"`
	Unread []uint64 `json:"unread"`
	Read   []uint64 `json:"read"`
}

type snapshotDoc struct {
	NextID   uint64                     `json:"next_id"`
	Accounts map[string]snapshotAccount `json:"accounts"`
	Messages map[uint64]storedMessage   `json:"messages"`
}

// Snapshot serializes the full model. encoding/json emits map keys in
// sorted order, so identical states produce identical bytes.
func (s *StateMachine) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := snapshotDoc{
		NextID:   s.nextID,
		Accounts: make(map[string]snapshotAccount, len(s.accounts)),
		Messages: make(map[uint64]storedMessage, len(s.messages)),
	}
	for name, acc := range s.accounts {
		doc.Accounts[name] = snapshotAccount{
			Hash:   acc.cred.Hash,
			Salt:   acc.cred.Salt,
			Unread: append([]uint64(nil), acc.unread...),
			Read:   append([]uint64(nil), acc.read...),
		}
	}
	for id, m := range s.messages {
		doc.Messages[id] = m
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("chat: snapshot: %w", err)
	}
	return data, nil
}

// Restore wipes the model and reloads it from a snapshot blob.
func (s *StateMachine) Restore(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("chat: restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID = doc.NextID
	if s.nextID == 0 {
		s.nextID = 1
	}
	s.accounts = make(map[string]*account, len(doc.Accounts))
	for name, sa := range doc.Accounts {
		s.accounts[name] = &account{
			cred:   kdf.Credential{Hash: sa.Hash, Salt: sa.Salt},
			unread: append([]uint64(nil), sa.Unread...),
			read:   append([]uint64(nil), sa.Read...),
		}
	}
	s.messages = make(map[uint64]storedMessage, len(doc.Messages))
	for id, m := range doc.Messages {
		s.messages[id] = m
	}
	return nil
}
