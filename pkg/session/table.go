package session

import (
	"errors"
	"sync"
)

// ErrDuplicateSession is returned when an id is inserted twice.
var ErrDuplicateSession = errors.New("session: duplicate session id")

// DefaultTombstones is how many ended session ids a Table remembers.
const DefaultTombstones = 4096

// Table maps session ids to their owners. Ended ids are kept as tombstones so
// stragglers can be recognised and dropped. It is safe for concurrent use.
type Table[T any] struct {
	mu      sync.Mutex
	entries map[uint32]T
	tombs   map[uint32]bool // id -> straggler already logged
	ring    []uint32
	next    int
}

// NewTable returns a table remembering up to tombstones ended ids.
func NewTable[T any](tombstones int) *Table[T] {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	return &Table[T]{
		entries: make(map[uint32]T),
		tombs:   make(map[uint32]bool, tombstones),
		ring:    make([]uint32, 0, tombstones),
	}
}

// Insert registers v under id. Ids that are live or recently ended are rejected.
func (t *Table[T]) Insert(id uint32, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return ErrDuplicateSession
	}
	if _, ok := t.tombs[id]; ok {
		return ErrDuplicateSession
	}
	t.entries[id] = v
	return nil
}

func (t *Table[T]) Get(id uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	return v, ok
}

// Remove deletes id and tombstones it. It reports whether id was live.
func (t *Table[T]) Remove(id uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	if !ok {
		return v, false
	}
	delete(t.entries, id)
	t.tombstoneLocked(id)
	return v, true
}

func (t *Table[T]) tombstoneLocked(id uint32) {
	if _, ok := t.tombs[id]; ok {
		return
	}
	if len(t.ring) < cap(t.ring) {
		t.ring = append(t.ring, id)
	} else {
		delete(t.tombs, t.ring[t.next])
		t.ring[t.next] = id
		t.next = (t.next + 1) % len(t.ring)
	}
	t.tombs[id] = false
}

// Straggler reports whether id belongs to an ended session. first is true the
// first time a straggler is reported for id, so callers log only once.
func (t *Table[T]) Straggler(id uint32) (ended, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	logged, ok := t.tombs[id]
	if !ok {
		return false, false
	}
	if !logged {
		t.tombs[id] = true
		return true, true
	}
	return true, false
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns the live entries.
func (t *Table[T]) Snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.entries))
	for _, v := range t.entries {
		out = append(out, v)
	}
	return out
}

// Drain removes and returns every live entry.
func (t *Table[T]) Drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.entries))
	for id, v := range t.entries {
		out = append(out, v)
		delete(t.entries, id)
		t.tombstoneLocked(id)
	}
	return out
}
