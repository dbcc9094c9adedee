package flowcontrol

import (
	"fmt"
	"sync"
)

// Ledger is receiver-side accounting for one direction of a session.
//
// Received bytes are outstanding until the consumer releases them. Released
// bytes accumulate until they reach half the window, at which point Release
// returns the amount to advertise in a WINDOW_UPDATE.
type Ledger struct {
	mu          sync.Mutex
	window      int
	outstanding int
	toRelease   int
}

// NewLedger returns a ledger for a peer that starts with window bytes of credit.
func NewLedger(window int) *Ledger {
	return &Ledger{window: window}
}

// Receive accounts n bytes of inbound DATA.
func (l *Ledger) Receive(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outstanding+l.toRelease+n > l.window {
		return fmt.Errorf("%w: %d bytes buffered, %d received, window %d",
			ErrCreditOverrun, l.outstanding+l.toRelease, n, l.window)
	}
	l.outstanding += n
	return nil
}

// Release marks n bytes as consumed and returns the credit to grant back, or 0
// if the release is still below the update threshold.
func (l *Ledger) Release(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.outstanding {
		n = l.outstanding
	}
	l.outstanding -= n
	l.toRelease += n
	if l.toRelease*2 < l.window {
		return 0
	}
	grant := l.toRelease
	l.toRelease = 0
	return grant
}

// Flush returns any released credit not yet granted.
func (l *Ledger) Flush() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	grant := l.toRelease
	l.toRelease = 0
	return grant
}

// Outstanding returns the bytes received but not yet released.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}
