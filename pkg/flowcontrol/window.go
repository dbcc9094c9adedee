// Package flowcontrol implements the per-session credit windows that bound
// unacknowledged bytes in each direction of a tunnel session.
//
// A sender holds a Window: every DATA payload consumes credit and WINDOW_UPDATE
// frames from the peer replenish it. A receiver holds a Ledger: it accounts
// bytes received against the window it advertised and decides when released
// bytes are worth a WINDOW_UPDATE.
package flowcontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrWindowClosed is returned to writers blocked on a window that was closed.
	ErrWindowClosed = errors.New("flowcontrol: window closed")
	// ErrCreditOverrun means the peer sent more than it was granted.
	ErrCreditOverrun = errors.New("flowcontrol: credit overrun")
	// ErrGrantOverflow means the peer granted more than the window can hold.
	ErrGrantOverflow = errors.New("flowcontrol: window update overflow")
)

// MaxWindow caps the credit a window may accumulate.
const MaxWindow = 1 << 30

// Window is sender-side credit. It is safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	credit   int
	granted  uint64 // initial credit plus every grant
	consumed uint64
	closed   bool
	changed  chan struct{}
}

// NewWindow returns a window holding initial bytes of credit.
func NewWindow(initial int) *Window {
	return &Window{credit: initial, granted: uint64(initial), changed: make(chan struct{})}
}

// Available returns the current credit.
func (w *Window) Available() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credit
}

// TryConsume takes up to n bytes of credit without blocking and returns the
// amount taken.
func (w *Window) TryConsume(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || n <= 0 {
		return 0
	}
	if n > w.credit {
		n = w.credit
	}
	w.credit -= n
	w.consumed += uint64(n)
	return n
}

// Acquire blocks until credit is available and takes up to max bytes of it.
func (w *Window) Acquire(ctx context.Context, max int) (int, error) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return 0, ErrWindowClosed
		}
		if w.credit > 0 {
			n := max
			if n > w.credit {
				n = w.credit
			}
			w.credit -= n
			w.consumed += uint64(n)
			w.mu.Unlock()
			return n, nil
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Grant adds n bytes of credit, waking blocked writers.
func (w *Window) Grant(n int) error {
	if n < 0 {
		return fmt.Errorf("flowcontrol: negative grant %d", n)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if w.credit+n > MaxWindow {
		return ErrGrantOverflow
	}
	w.credit += n
	w.granted += uint64(n)
	w.notifyLocked()
	return nil
}

// Close wakes every blocked writer with ErrWindowClosed.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.notifyLocked()
}

// Changed returns a channel closed at the next grant or close.
func (w *Window) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}

// Totals returns the cumulative credit granted (including the initial window)
// and consumed.
func (w *Window) Totals() (granted, consumed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.granted, w.consumed
}

func (w *Window) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}
