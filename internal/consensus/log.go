package consensus

import (
	"fmt"

	"github.com/opalchat/chat-replica-service/infra/storage"
)

// raftLog is the in-memory log window backed by the durable store.
// Indexes are 1-based; entries at or below snapIndex live only in the
// snapshot. Not safe for concurrent use: the owning node serializes
// access under its own mutex.
type raftLog struct {
	store *storage.Store

	snapIndex uint64
	snapTerm  uint64
	entries   []storage.Entry // entries[i].Index == snapIndex+1+i
}

// loadLog rebuilds the log window from disk. Entries already covered by
// the snapshot are dropped; a gap between the snapshot and the first
// surviving entry is a corrupt store.
func loadLog(store *storage.Store, snapIndex, snapTerm uint64) (*raftLog, error) {
	all, err := store.Entries()
	if err != nil {
		return nil, err
	}

	l := &raftLog{store: store, snapIndex: snapIndex, snapTerm: snapTerm}
	for _, e := range all {
		if e.Index <= snapIndex {
			continue
		}
		if want := l.lastIndex() + 1; e.Index != want {
			return nil, fmt.Errorf("consensus: log gap: have %d, next entry is %d", want-1, e.Index)
		}
		l.entries = append(l.entries, e)
	}
	return l, nil
}

func (l *raftLog) lastIndex() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Index
	}
	return l.snapIndex
}

func (l *raftLog) lastTerm() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	return l.snapTerm
}

// termAt returns the term of the entry at index, or 0 when the index is
// outside the known range.
func (l *raftLog) termAt(index uint64) uint64 {
	if index == l.snapIndex {
		return l.snapTerm
	}
	if index < l.snapIndex+1 || index > l.lastIndex() {
		return 0
	}
	return l.entries[index-l.snapIndex-1].Term
}

// entry returns the record at index; ok is false when it was compacted
// away or does not exist.
func (l *raftLog) entry(index uint64) (storage.Entry, bool) {
	if index < l.snapIndex+1 || index > l.lastIndex() {
		return storage.Entry{}, false
	}
	return l.entries[index-l.snapIndex-1], true
}

// entriesFrom returns a copy of all records at or after index.
func (l *raftLog) entriesFrom(index uint64) []storage.Entry {
	if index < l.snapIndex+1 {
		index = l.snapIndex + 1
	}
	if index > l.lastIndex() {
		return nil
	}
	window := l.entries[index-l.snapIndex-1:]
	out := make([]storage.Entry, len(window))
	copy(out, window)
	return out
}

// append durably writes entries, then extends the window.
func (l *raftLog) append(entries ...storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.store.AppendEntries(entries...); err != nil {
		return err
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// truncateFrom discards every entry at or after index, on disk first.
func (l *raftLog) truncateFrom(index uint64) error {
	if index > l.lastIndex() {
		return nil
	}
	if err := l.store.TruncateSuffix(index); err != nil {
		return err
	}
	if index <= l.snapIndex {
		l.entries = nil
		return nil
	}
	l.entries = l.entries[:index-l.snapIndex-1]
	return nil
}

// compactTo drops entries at or below index after a snapshot covering
// them was saved. The window may already start past index when the
// snapshot arrived over the wire.
func (l *raftLog) compactTo(index, term uint64) error {
	if index <= l.snapIndex {
		return nil
	}
	if err := l.store.CompactPrefix(index); err != nil {
		return err
	}
	if index >= l.lastIndex() {
		l.entries = nil
	} else {
		rest := l.entries[index-l.snapIndex:]
		l.entries = append([]storage.Entry(nil), rest...)
	}
	l.snapIndex = index
	l.snapTerm = term
	return nil
}

// reset discards the whole log and restarts it after a snapshot
// received from the leader.
func (l *raftLog) reset(index, term uint64) error {
	if err := l.store.TruncateSuffix(1); err != nil {
		return err
	}
	l.entries = nil
	l.snapIndex = index
	l.snapTerm = term
	return nil
}

// size is the number of entries currently held in the window.
func (l *raftLog) size() uint64 {
	return uint64(len(l.entries))
}
