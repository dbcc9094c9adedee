package vsock

import (
	"sync"

	"github.com/irctrakz/kafkatunnel/pkg/transport"
)

// inbox hands events from transport goroutines to the goroutine operating a
// channel. Every push wakes the selectors watching it and closes the current
// generation channel for blocking waiters.
type inbox struct {
	mu       sync.Mutex
	events   []transport.Event
	gen      chan struct{}
	watchers map[*Selector]struct{}
}

func newInbox() *inbox {
	return &inbox{gen: make(chan struct{}), watchers: make(map[*Selector]struct{})}
}

func (in *inbox) push(ev transport.Event) {
	in.mu.Lock()
	in.events = append(in.events, ev)
	in.mu.Unlock()
	in.notify()
}

// notify wakes every waiter without queueing an event.
func (in *inbox) notify() {
	in.mu.Lock()
	close(in.gen)
	in.gen = make(chan struct{})
	ws := make([]*Selector, 0, len(in.watchers))
	for s := range in.watchers {
		ws = append(ws, s)
	}
	in.mu.Unlock()
	for _, s := range ws {
		s.signal()
	}
}

func (in *inbox) drain() []transport.Event {
	in.mu.Lock()
	defer in.mu.Unlock()
	evs := in.events
	in.events = nil
	return evs
}

// wait returns a channel closed by the next push or notify.
func (in *inbox) wait() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.gen
}

func (in *inbox) watch(s *Selector) {
	in.mu.Lock()
	in.watchers[s] = struct{}{}
	in.mu.Unlock()
}

func (in *inbox) unwatch(s *Selector) {
	in.mu.Lock()
	delete(in.watchers, s)
	in.mu.Unlock()
}
