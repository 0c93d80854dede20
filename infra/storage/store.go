// Package storage persists consensus state to the local filesystem.
//
// Layout under the data directory:
//
//	hardstate.json          current term and vote, replaced atomically
//	snapshot.json           latest state machine snapshot
//	log/<index>.entry       one binary record per log entry
//
// Every write path syncs the file before it becomes visible, so a crash
// between operations never leaves a half-written record behind.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// HardState is the durable vote state plus the highest index known
// committed. Term and vote must hit disk before the node answers any
// RPC that changed them; the commit index lets a restarted node re-apply
// its log without waiting for new traffic.
type HardState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
	Commit   uint64 `json:"commit"`
}

// Entry is one replicated log record. The JSON tags cover the peer RPC
// wire form; on disk entries use the fixed binary record layout.
type Entry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Kind    uint8  `json:"kind"`
	Payload []byte `json:"payload,omitempty"`
}

// Snapshot is a state machine image together with the log position it
// covers. Entries at or below LastIndex may be compacted away.
type Snapshot struct {
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
	State     []byte `json:"state"`
}

const (
	hardStateFile = "hardstate.json"
	snapshotFile  = "snapshot.json"
	logDir        = "log"
	entrySuffix   = ".entry"

	// [index:8][term:8][kind:1][len:4] little-endian, then payload.
	entryHeaderSize = 21
)

var ErrCorruptEntry = errors.New("storage: corrupt log entry")

// Store reads and writes one node's durable state. Methods are safe for
// concurrent use; writes are serialized so records land in order.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, logDir), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory root.
func (s *Store) Dir() string { return s.dir }

// SaveHardState replaces the vote state atomically: write a temp file,
// sync it, rename over the old one.
func (s *Store) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("storage: encode hardstate: %w", err)
	}
	return s.replaceFile(hardStateFile, data)
}

// LoadHardState returns the persisted vote state. The second return is
// false when no state has been written yet.
func (s *Store) LoadHardState() (HardState, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, hardStateFile))
	if os.IsNotExist(err) {
		return HardState{}, false, nil
	}
	if err != nil {
		return HardState{}, false, fmt.Errorf("storage: read hardstate: %w", err)
	}

	var hs HardState
	if err := json.Unmarshal(data, &hs); err != nil {
		return HardState{}, false, fmt.Errorf("storage: decode hardstate: %w", err)
	}
	return hs, true, nil
}

// AppendEntries writes entries as individual files keyed by index. An
// entry at an index that already has a file overwrites it, which is how
// a conflicting suffix gets replaced.
func (s *Store) AppendEntries(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if err := s.writeEntry(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeEntry(e Entry) error {
	buf := make([]byte, entryHeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	buf[16] = e.Kind
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Payload)))
	copy(buf[entryHeaderSize:], e.Payload)

	return s.replaceFile(filepath.Join(logDir, entryName(e.Index)), buf)
}

// Entries loads the whole log sorted by index. Partially written files
// (crash mid-append before the rename) cannot occur, but a record whose
// header disagrees with its size is reported as corrupt.
func (s *Store) Entries() ([]Entry, error) {
	dir := filepath.Join(s.dir, logDir)
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: read log dir: %w", err)
	}

	var entries []Entry
	for _, de := range names {
		name := de.Name()
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		e, err := readEntry(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

func readEntry(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("storage: open entry: %w", err)
	}
	defer f.Close()

	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: short header", ErrCorruptEntry, filepath.Base(path))
	}

	e := Entry{
		Index: binary.LittleEndian.Uint64(header[0:8]),
		Term:  binary.LittleEndian.Uint64(header[8:16]),
		Kind:  header[16],
	}
	size := binary.LittleEndian.Uint32(header[17:21])
	e.Payload = make([]byte, size)
	if _, err := io.ReadFull(f, e.Payload); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: short payload", ErrCorruptEntry, filepath.Base(path))
	}

	// Trailing bytes mean the file does not match its header.
	var one [1]byte
	if n, _ := f.Read(one[:]); n != 0 {
		return Entry{}, fmt.Errorf("%w: %s: trailing bytes", ErrCorruptEntry, filepath.Base(path))
	}
	return e, nil
}

// TruncateSuffix removes every entry with index >= from.
func (s *Store) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEntries(func(idx uint64) bool { return idx >= from })
}

// CompactPrefix removes every entry with index <= upTo. Called after a
// snapshot covering those indexes has been saved.
func (s *Store) CompactPrefix(upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEntries(func(idx uint64) bool { return idx <= upTo })
}

func (s *Store) removeEntries(match func(uint64) bool) error {
	dir := filepath.Join(s.dir, logDir)
	names, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("storage: read log dir: %w", err)
	}

	for _, de := range names {
		name := de.Name()
		idx, ok := parseEntryName(name)
		if !ok || !match(idx) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("storage: remove entry %d: %w", idx, err)
		}
	}
	return nil
}

// SaveSnapshot replaces the snapshot atomically.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}
	return s.replaceFile(snapshotFile, data)
}

// LoadSnapshot returns the latest snapshot; false when none exists.
func (s *Store) LoadSnapshot() (Snapshot, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("storage: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return snap, true, nil
}

// replaceFile writes data to rel atomically: temp file in the same
// directory, fsync, rename.
func (s *Store) replaceFile(rel string, data []byte) error {
	path := filepath.Join(s.dir, rel)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: rename %s: %w", rel, err)
	}
	return nil
}

func entryName(index uint64) string {
	return fmt.Sprintf("%020d%s", index, entrySuffix)
}

func parseEntryName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, entrySuffix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}
