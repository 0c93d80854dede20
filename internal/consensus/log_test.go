package consensus

import (
	"testing"

	"github.com/opalchat/chat-replica-service/infra/storage"
)

func newTestLog(t *testing.T) (*raftLog, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	l, err := loadLog(store, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return l, store
}

func TestLogAppendAndQuery(t *testing.T) {
	l, _ := newTestLog(t)

	if l.lastIndex() != 0 || l.lastTerm() != 0 {
		t.Fatalf("empty log: last=%d term=%d", l.lastIndex(), l.lastTerm())
	}

	entries := []storage.Entry{
		{Index: 1, Term: 1, Payload: []byte("a")},
		{Index: 2, Term: 1, Payload: []byte("b")},
		{Index: 3, Term: 2, Payload: []byte("c")},
	}
	if err := l.append(entries...); err != nil {
		t.Fatal(err)
	}

	if l.lastIndex() != 3 || l.lastTerm() != 2 {
		t.Errorf("last=%d term=%d, want 3/2", l.lastIndex(), l.lastTerm())
	}
	if l.termAt(2) != 1 || l.termAt(3) != 2 {
		t.Errorf("termAt: %d %d", l.termAt(2), l.termAt(3))
	}
	if l.termAt(4) != 0 {
		t.Errorf("termAt out of range = %d, want 0", l.termAt(4))
	}

	from := l.entriesFrom(2)
	if len(from) != 2 || from[0].Index != 2 {
		t.Errorf("entriesFrom(2) = %+v", from)
	}
}

func TestLogTruncateFrom(t *testing.T) {
	l, store := newTestLog(t)
	for i := uint64(1); i <= 4; i++ {
		if err := l.append(storage.Entry{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.truncateFrom(3); err != nil {
		t.Fatal(err)
	}
	if l.lastIndex() != 2 {
		t.Errorf("lastIndex = %d, want 2", l.lastIndex())
	}

	// Truncation is durable.
	reloaded, err := loadLog(store, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.lastIndex() != 2 {
		t.Errorf("reloaded lastIndex = %d, want 2", reloaded.lastIndex())
	}
}

func TestLogCompact(t *testing.T) {
	l, store := newTestLog(t)
	for i := uint64(1); i <= 5; i++ {
		if err := l.append(storage.Entry{Index: i, Term: 2}); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.compactTo(3, 2); err != nil {
		t.Fatal(err)
	}
	if l.snapIndex != 3 || l.snapTerm != 2 {
		t.Fatalf("snap = %d/%d", l.snapIndex, l.snapTerm)
	}
	if l.size() != 2 || l.lastIndex() != 5 {
		t.Errorf("size=%d last=%d", l.size(), l.lastIndex())
	}
	if l.termAt(3) != 2 {
		t.Errorf("termAt(snapIndex) = %d", l.termAt(3))
	}
	if _, ok := l.entry(3); ok {
		t.Error("compacted entry still readable")
	}

	reloaded, err := loadLog(store, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.lastIndex() != 5 || reloaded.size() != 2 {
		t.Errorf("reloaded: last=%d size=%d", reloaded.lastIndex(), reloaded.size())
	}
}

func TestLogReset(t *testing.T) {
	l, _ := newTestLog(t)
	for i := uint64(1); i <= 3; i++ {
		if err := l.append(storage.Entry{Index: i, Term: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.reset(10, 4); err != nil {
		t.Fatal(err)
	}
	if l.lastIndex() != 10 || l.lastTerm() != 4 || l.size() != 0 {
		t.Errorf("after reset: last=%d term=%d size=%d", l.lastIndex(), l.lastTerm(), l.size())
	}
}

func TestLoadLogDetectsGap(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEntries(
		storage.Entry{Index: 1, Term: 1},
		storage.Entry{Index: 3, Term: 1},
	); err != nil {
		t.Fatal(err)
	}

	if _, err := loadLog(store, 0, 0); err == nil {
		t.Fatal("expected gap error")
	}
}
