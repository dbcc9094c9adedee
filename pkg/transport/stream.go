package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/session"
)

// EventKind identifies a stream event.
type EventKind int

const (
	// EventOpened: the gateway acknowledged the session.
	EventOpened EventKind = iota + 1
	// EventData carries inbound bytes in Event.Data.
	EventData
	// EventWritable: outbound credit was replenished.
	EventWritable
	// EventEOF: the peer closed its side; no more data will arrive.
	EventEOF
	// EventFailed carries the failure in Event.Err.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventWritable:
		return "writable"
	case EventEOF:
		return "eof"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to a stream's owner.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Sink receives events on the transport's goroutines. It must not block.
type Sink func(Event)

var (
	// ErrNotConnected is returned for writes before the session is established.
	ErrNotConnected = errors.New("transport: session not established")
	// ErrStreamClosed is returned for writes after Close or CloseWrite.
	ErrStreamClosed = errors.New("transport: stream closed")
)

// Stream is the client's handle on one tunnel session.
type Stream struct {
	c    *Client
	sess *session.Session

	// sendMu orders sequence assignment with the frame hitting the link.
	sendMu sync.Mutex
	tc     *tunnelConn

	sinkMu sync.Mutex
	sink   Sink
}

func (s *Stream) ID() uint32 { return s.sess.ID }

// Target returns host:port.
func (s *Stream) Target() string { return s.sess.Target() }

func (s *Stream) State() session.State { return s.sess.State() }

// Err returns the failure cause, if any.
func (s *Stream) Err() error { return s.sess.Err() }

func (s *Stream) conn() *tunnelConn {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.tc
}

func (s *Stream) emit(ev Event) {
	s.sinkMu.Lock()
	sink := s.sink
	s.sinkMu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (s *Stream) detached() bool {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	return s.sink == nil
}

func (s *Stream) open() {
	ctx, cancel := context.WithCancel(context.Background())
	if d := s.c.cfg.Timeouts.Connect; d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d-s.sess.Age())
	}
	defer cancel()

	tc, err := s.c.connection(ctx)
	if err != nil {
		var te *core.TunnelError
		if !errors.As(err, &te) {
			te = &core.TunnelError{Kind: core.ConnectFailure, SessionID: s.ID(), Target: s.Target(), Err: err}
			if errors.Is(err, context.DeadlineExceeded) {
				te.Reason = frame.ReasonConnectTimeout
			}
		} else {
			cp := *te
			cp.SessionID, cp.Target = s.ID(), s.Target()
			te = &cp
		}
		s.fail(te, frame.ReasonUnknown)
		return
	}

	if err := s.attach(tc); err != nil {
		s.fail(transportError(s, err), frame.ReasonUnknown)
	}
}

func (s *Stream) attach(tc *tunnelConn) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sess.State().Terminal() {
		// closed by the owner while the link was coming up
		return nil
	}
	if err := tc.attach(s); err != nil {
		return err
	}
	s.tc = tc
	if err := tc.link.Send(frame.Open(s.ID(), s.Target())); err != nil {
		return nil // the link's failAll reports it
	}
	tc.log.WithField("session", s.ID()).Debugf("OPEN %s", s.Target())
	return nil
}

// Write queues up to len(p) bytes as DATA frames and returns how many were
// accepted. A short count with a nil error means credit ran out.
func (s *Stream) Write(p []byte) (int, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch st := s.sess.State(); st {
	case session.StateFailed:
		return 0, s.sess.Err()
	case session.StateClosed:
		return 0, ErrStreamClosed
	case session.StateOpening:
		return 0, ErrNotConnected
	}
	if s.sess.LocalClosed() {
		return 0, ErrStreamClosed
	}

	n := s.sess.Outbound.TryConsume(len(p))
	max := s.c.cfg.MaxPayload
	for off := 0; off < n; {
		end := off + max
		if end > n {
			end = n
		}
		seq, err := s.sess.NextSendSequence()
		if err != nil {
			return off, err
		}
		if err := s.tc.link.Send(frame.Data(s.ID(), seq, p[off:end])); err != nil {
			return off, transportError(s, err)
		}
		off = end
	}
	return n, nil
}

// Writable reports whether Write would accept at least one byte.
func (s *Stream) Writable() bool {
	st := s.sess.State()
	if st != session.StateEstablished && st != session.StateClosing {
		return false
	}
	return !s.sess.LocalClosed() && s.sess.Outbound.Available() > 0
}

// Release returns n consumed inbound bytes to the peer's credit.
func (s *Stream) Release(n int) {
	if n <= 0 {
		return
	}
	if grant := s.sess.Inbound.Release(n); grant > 0 {
		s.sendWindowUpdate(grant)
	}
}

func (s *Stream) sendWindowUpdate(grant int) {
	if s.sess.State().Terminal() {
		return
	}
	if tc := s.conn(); tc != nil {
		_ = tc.link.Send(frame.WindowUpdate(s.ID(), uint32(grant)))
	}
}

// CloseWrite sends CLOSE while still accepting inbound data.
func (s *Stream) CloseWrite() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendCloseLocked()
}

func (s *Stream) sendCloseLocked() error {
	if s.tc == nil || s.sess.LocalClosed() {
		return nil
	}
	st, err := s.sess.CloseSent()
	if err != nil {
		return nil
	}
	if err := s.tc.link.Send(frame.Close(s.ID())); err != nil {
		return err
	}
	if st == session.StateClosed {
		s.finish()
	}
	return nil
}

// Close detaches the owner and ends the session. It does not wait for the
// peer: the session lingers on the link until the peer's CLOSE or the drain
// timeout, with any late data discarded.
func (s *Stream) Close() error {
	s.sinkMu.Lock()
	s.sink = nil
	s.sinkMu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch s.sess.State() {
	case session.StateOpening:
		s.sess.ForceClose()
		if s.tc != nil {
			_ = s.tc.link.Send(frame.Close(s.ID()))
			s.tc.remove(s)
		}
		return nil
	case session.StateEstablished, session.StateClosing:
		return s.sendCloseLocked()
	default:
		if s.tc != nil {
			s.tc.remove(s)
		}
		return nil
	}
}

func (s *Stream) finish() {
	s.c.metrics.SessionsClosed.Add(1)
	if tc := s.tc; tc != nil {
		tc.remove(s)
		tc.log.WithField("session", s.ID()).Debugf("session closed")
	}
}

// fail moves the session to FAILED, notifies the owner and, when reason is
// set, tells the gateway.
func (s *Stream) fail(err error, reason frame.Reason) {
	if !s.sess.Fail(err) {
		return
	}
	s.c.metrics.SessionsFailed.Add(1)
	tc := s.conn()
	if tc != nil {
		if reason != frame.ReasonUnknown {
			_ = tc.link.Send(frame.Error(s.ID(), reason, err.Error()))
		}
		tc.remove(s)
		tc.log.WithField("session", s.ID()).Debugf("session failed: %v", err)
	}
	s.emit(Event{Kind: EventFailed, Err: err})
}

func (s *Stream) violation(err error) {
	s.c.metrics.ProtocolErrors.Add(1)
	if tc := s.conn(); tc != nil {
		tc.log.WithField("session", s.ID()).Warnf("protocol violation: %v", err)
	}
	s.fail(&core.TunnelError{Kind: core.ProtocolViolation, SessionID: s.ID(), Target: s.Target(),
		Reason: frame.ReasonProtocolViolation, Err: err}, frame.ReasonProtocolViolation)
}

func (s *Stream) onOpenAck() {
	if err := s.sess.Established(); err != nil {
		s.violation(err)
		return
	}
	s.c.metrics.SessionsOpened.Add(1)
	s.emit(Event{Kind: EventOpened})
}

func (s *Stream) onData(f frame.Frame) {
	if err := s.sess.AcceptData(f.Sequence, len(f.Payload)); err != nil {
		s.violation(err)
		return
	}
	if s.detached() {
		// owner is gone; keep the peer's credit flowing until it closes
		if grant := s.sess.Inbound.Release(len(f.Payload)); grant > 0 {
			s.sendWindowUpdate(grant)
		}
		return
	}
	s.emit(Event{Kind: EventData, Data: f.Payload})
}

func (s *Stream) onWindowUpdate(f frame.Frame) {
	credit, err := f.Credit()
	if err == nil {
		err = s.sess.Outbound.Grant(int(credit))
	}
	if err != nil {
		s.violation(err)
		return
	}
	s.emit(Event{Kind: EventWritable})
}

func (s *Stream) onClose() {
	st, dup := s.sess.CloseReceived()
	if dup {
		if tc := s.conn(); tc != nil {
			tc.log.WithField("session", s.ID()).Warnf("duplicate CLOSE ignored")
		}
		return
	}
	s.emit(Event{Kind: EventEOF})
	if st == session.StateClosed {
		s.sendMu.Lock()
		s.finish()
		s.sendMu.Unlock()
	}
}

func (s *Stream) onError(f frame.Frame) {
	reason, msg := f.Reason()
	opening := s.sess.State() == session.StateOpening
	s.fail(core.ReasonError(s.ID(), s.Target(), opening, reason, msg), frame.ReasonUnknown)
}

func (s *Stream) expire(now time.Time, to session.Timeouts) {
	switch s.sess.Expired(now, to) {
	case session.ConnectExpired:
		s.fail(&core.TunnelError{Kind: core.ConnectFailure, SessionID: s.ID(), Target: s.Target(),
			Reason: frame.ReasonConnectTimeout, Msg: "no OPEN_ACK within " + to.Connect.String()},
			frame.ReasonConnectTimeout)
	case session.IdleExpired:
		s.fail(&core.TunnelError{Kind: core.Timeout, SessionID: s.ID(), Target: s.Target(),
			Reason: frame.ReasonIdleTimeout, Msg: "idle for " + to.Idle.String()},
			frame.ReasonIdleTimeout)
	case session.DrainExpired:
		s.sendMu.Lock()
		// the peer half-closed first; our CLOSE lets it drop the session
		sendClose := !s.sess.LocalClosed()
		if !s.sess.ForceClose() {
			s.sendMu.Unlock()
			return
		}
		if s.tc != nil && sendClose {
			_ = s.tc.link.Send(frame.Close(s.ID()))
		}
		s.finish()
		s.sendMu.Unlock()
		if !s.detached() {
			s.emit(Event{Kind: EventFailed, Err: &core.TunnelError{Kind: core.Timeout, SessionID: s.ID(),
				Target: s.Target(), Msg: "close drain timed out"}})
		}
	}
}

// LocalAddr and RemoteAddr give streams a net.Addr identity.
func (s *Stream) LocalAddr() net.Addr { return Addr{Net: "tunnel", Str: fmt.Sprintf("session/%d", s.ID())} }

func (s *Stream) RemoteAddr() net.Addr { return Addr{Net: "tcp", Str: s.Target()} }

// Addr is a plain net.Addr.
type Addr struct {
	Net string
	Str string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Str }
