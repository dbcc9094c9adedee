package vsock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSelectorClosed is returned by operations on a closed selector.
var ErrSelectorClosed = errors.New("vsock: selector closed")

// ErrInvalidOps is returned when a key's interest has bits outside OpConnect|OpRead|OpWrite.
var ErrInvalidOps = errors.New("vsock: invalid interest ops")

// Key is a channel's registration with a selector.
type Key struct {
	sel *Selector
	ch  *Channel

	// Attachment is free for the caller.
	Attachment any

	interest  atomic.Uint32
	ready     atomic.Uint32
	cancelled atomic.Bool
	closed    bool // guarded by sel.mu
}

// Channel returns the registered channel.
func (k *Key) Channel() *Channel { return k.ch }

// Selector returns the selector the key belongs to.
func (k *Key) Selector() *Selector { return k.sel }

// Interest returns the operations the key is watching.
func (k *Key) Interest() Op { return Op(k.interest.Load()) }

// SetInterest replaces the watched operations.
func (k *Key) SetInterest(ops Op) error {
	if ops&^(OpConnect|OpRead|OpWrite) != 0 {
		return ErrInvalidOps
	}
	k.interest.Store(uint32(ops))
	k.sel.signal()
	return nil
}

// Ready returns the operations found ready by the last select.
func (k *Key) Ready() Op { return Op(k.ready.Load()) }

func (k *Key) Connectable() bool { return k.Ready()&OpConnect != 0 }
func (k *Key) Readable() bool    { return k.Ready()&OpRead != 0 }
func (k *Key) Writable() bool    { return k.Ready()&OpWrite != 0 }

// Valid reports whether the key is still registered.
func (k *Key) Valid() bool { return !k.cancelled.Load() }

// Cancel deregisters the key.
func (k *Key) Cancel() { k.sel.cancel(k) }

// Selector multiplexes readiness over many channels on one goroutine.
type Selector struct {
	mu       sync.Mutex
	keys     map[*Channel]*Key
	selected []*Key
	closed   bool

	wake  chan struct{}
	woken atomic.Bool
}

// NewSelector returns an empty selector.
func NewSelector() *Selector {
	return &Selector{keys: make(map[*Channel]*Key), wake: make(chan struct{}, 1)}
}

// Register adds ch with the given interest. Registering a channel twice
// updates the existing key.
func (s *Selector) Register(ch *Channel, ops Op, attachment any) (*Key, error) {
	if ops&^(OpConnect|OpRead|OpWrite) != 0 {
		return nil, ErrInvalidOps
	}
	if !ch.IsOpen() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSelectorClosed
	}
	k, ok := s.keys[ch]
	if !ok {
		k = &Key{sel: s, ch: ch}
		s.keys[ch] = k
	}
	k.Attachment = attachment
	k.interest.Store(uint32(ops))
	s.mu.Unlock()

	ch.addKey(k)
	ch.in.watch(s)
	s.signal()
	return k, nil
}

// Select waits until at least one key is ready, Wakeup is called, or the
// timeout passes. A timeout of zero or less waits indefinitely. It returns
// the number of ready keys, which SelectedKeys lists.
func (s *Selector) Select(timeout time.Duration) (int, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		select {
		case <-s.wake:
		default:
		}
		n, err := s.scan()
		if err != nil || n > 0 {
			return n, err
		}
		if s.woken.Swap(false) {
			return 0, nil
		}
		select {
		case <-s.wake:
		case <-expire:
			return s.scan()
		}
	}
}

// SelectNow is Select without waiting.
func (s *Selector) SelectNow() (int, error) {
	s.woken.Store(false)
	return s.scan()
}

// SelectedKeys returns the keys found ready by the last select.
func (s *Selector) SelectedKeys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Key(nil), s.selected...)
}

// Keys returns every registered key.
func (s *Selector) Keys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out
}

// Wakeup makes the blocked Select return, or the next one if none is blocked.
func (s *Selector) Wakeup() {
	s.woken.Store(true)
	s.signal()
}

// Close cancels every key. A blocked Select returns ErrSelectorClosed.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	keys := s.keys
	s.keys = make(map[*Channel]*Key)
	s.selected = nil
	s.mu.Unlock()

	for ch, k := range keys {
		k.cancelled.Store(true)
		ch.removeKey(k)
		ch.in.unwatch(s)
	}
	s.signal()
	return nil
}

func (s *Selector) scan() (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSelectorClosed
	}
	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	selected := make([]*Key, 0, len(keys))
	var gone []*Key
	for _, k := range keys {
		s.mu.Lock()
		closed := k.closed
		s.mu.Unlock()
		if closed {
			// A closed channel is reported once with its full interest.
			k.ready.Store(k.interest.Load())
			selected = append(selected, k)
			gone = append(gone, k)
			continue
		}
		r := k.ch.ready() & k.Interest()
		k.ready.Store(uint32(r))
		if r != 0 {
			selected = append(selected, k)
		}
	}
	for _, k := range gone {
		s.cancel(k)
	}

	s.mu.Lock()
	s.selected = selected
	s.mu.Unlock()
	return len(selected), nil
}

func (s *Selector) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Selector) channelClosed(k *Key) {
	s.mu.Lock()
	if s.keys[k.ch] == k {
		k.closed = true
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Selector) cancel(k *Key) {
	s.mu.Lock()
	if s.keys[k.ch] == k {
		delete(s.keys, k.ch)
	}
	s.mu.Unlock()
	k.cancelled.Store(true)
	k.ch.removeKey(k)
	k.ch.in.unwatch(s)
}
