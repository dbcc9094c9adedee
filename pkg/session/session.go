// Package session tracks the lifecycle of tunnel sessions.
//
// Both ends of the tunnel keep their own Session per session id and only
// synchronize through frames. A session moves OPENING -> ESTABLISHED ->
// CLOSING -> CLOSED, or ends in FAILED.
package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/flowcontrol"
)

// State is the lifecycle state of a session.
type State int

const (
	StateOpening State = iota
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

var (
	ErrNotEstablished = errors.New("session: not established")
	ErrNotOpening     = errors.New("session: not opening")
	ErrTerminated     = errors.New("session: terminated")
	ErrLocalClosed    = errors.New("session: closed for writing")
	ErrPeerClosed     = errors.New("session: peer closed its side")
	ErrSequence       = errors.New("session: unexpected sequence")
)

// Timeouts bound how long a session may stay in a state.
// A zero value disables the corresponding check.
type Timeouts struct {
	Connect time.Duration
	Idle    time.Duration
	Drain   time.Duration
}

// Expiry identifies which timeout elapsed.
type Expiry int

const (
	NotExpired Expiry = iota
	ConnectExpired
	IdleExpired
	DrainExpired
)

func (e Expiry) String() string {
	switch e {
	case ConnectExpired:
		return "connect timeout"
	case IdleExpired:
		return "idle timeout"
	case DrainExpired:
		return "drain timeout"
	default:
		return "not expired"
	}
}

// Session is one logical byte stream carried by the tunnel.
type Session struct {
	ID   uint32
	Host string
	Port int

	// Outbound is the credit this side may still send.
	Outbound *flowcontrol.Window
	// Inbound accounts for bytes the peer sent us.
	Inbound *flowcontrol.Ledger

	mu           sync.Mutex
	state        State
	err          error
	sendSeq      uint64
	recvSeq      uint64
	localClosed  bool
	peerClosed   bool
	created      time.Time
	lastActivity time.Time
	closingSince time.Time
	now          func() time.Time
}

// New returns a session in OPENING with window bytes of credit each way.
func New(id uint32, host string, port int, window int) *Session {
	return newAt(id, host, port, window, time.Now)
}

func newAt(id uint32, host string, port int, window int, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:           id,
		Host:         host,
		Port:         port,
		Outbound:     flowcontrol.NewWindow(window),
		Inbound:      flowcontrol.NewLedger(window),
		created:      t,
		lastActivity: t,
		now:          now,
	}
}

// Target returns the host:port the session connects to.
func (s *Session) Target() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session is FAILED.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Established handles OPEN_ACK.
func (s *Session) Established() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpening {
		return fmt.Errorf("%w: %s", ErrNotOpening, s.state)
	}
	s.state = StateEstablished
	s.lastActivity = s.now()
	return nil
}

// Fail moves the session to FAILED and reports whether this call did so.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = StateFailed
	s.err = err
	s.Outbound.Close()
	return true
}

// NextSendSequence returns the sequence for the next outbound DATA frame.
// Callers serialize sequence assignment with the frame send so that
// sequences reach the wire in order.
func (s *Session) NextSendSequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.Terminal():
		return 0, ErrTerminated
	case s.state == StateOpening:
		return 0, ErrNotEstablished
	case s.localClosed:
		return 0, ErrLocalClosed
	}
	s.sendSeq++
	s.lastActivity = s.now()
	return s.sendSeq, nil
}

// AcceptData validates an inbound DATA frame of n bytes.
// Any error is a protocol violation for this session.
func (s *Session) AcceptData(seq uint64, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateOpening:
		return ErrNotEstablished
	case s.state.Terminal():
		return ErrTerminated
	case s.peerClosed:
		return ErrPeerClosed
	}
	if seq != s.recvSeq+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrSequence, seq, s.recvSeq+1)
	}
	if err := s.Inbound.Receive(n); err != nil {
		return err
	}
	s.recvSeq = seq
	s.lastActivity = s.now()
	return nil
}

// CloseSent records that this side sent CLOSE and returns the resulting state.
func (s *Session) CloseSent() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state, ErrTerminated
	}
	if s.localClosed {
		return s.state, nil
	}
	s.localClosed = true
	return s.closeTransitionLocked(), nil
}

// CloseReceived records the peer's CLOSE. A repeated CLOSE leaves the state
// unchanged and reports dup=true.
func (s *Session) CloseReceived() (st State, dup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerClosed || s.state.Terminal() {
		return s.state, true
	}
	s.peerClosed = true
	return s.closeTransitionLocked(), false
}

func (s *Session) closeTransitionLocked() State {
	t := s.now()
	s.lastActivity = t
	if s.localClosed && s.peerClosed {
		s.state = StateClosed
		s.Outbound.Close()
		return s.state
	}
	if s.state != StateClosing {
		s.state = StateClosing
		s.closingSince = t
	}
	return s.state
}

// ForceClose moves a session to CLOSED regardless of drain progress.
func (s *Session) ForceClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = StateClosed
	s.localClosed, s.peerClosed = true, true
	s.Outbound.Close()
	return true
}

// LocalClosed reports whether this side has sent CLOSE.
func (s *Session) LocalClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localClosed
}

// PeerClosed reports whether the peer has sent CLOSE.
func (s *Session) PeerClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerClosed
}

// Touch records frame activity for the idle timeout.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Age returns the time since the session was created.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.created)
}

// Expired reports which timeout, if any, the session has exceeded at now.
func (s *Session) Expired(now time.Time, t Timeouts) Expiry {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpening:
		if t.Connect > 0 && now.Sub(s.created) >= t.Connect {
			return ConnectExpired
		}
	case StateEstablished:
		if t.Idle > 0 && now.Sub(s.lastActivity) >= t.Idle {
			return IdleExpired
		}
	case StateClosing:
		if t.Drain > 0 && now.Sub(s.closingSince) >= t.Drain {
			return DrainExpired
		}
	}
	return NotExpired
}
