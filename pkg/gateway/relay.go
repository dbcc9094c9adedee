package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/session"
	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"
)

// relay copies one session between the link and its broker socket.
//
// The reader goroutine moves broker bytes to DATA frames as credit allows.
// The writer goroutine drains client DATA to the broker and returns credit.
type relay struct {
	t    *tunnel
	sess *session.Session
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders sequence assignment with the frame hitting the link.
	sendMu sync.Mutex

	mu       sync.Mutex
	conn     net.Conn
	pending  [][]byte
	closeReq bool
	wake     chan struct{}

	toBroker atomic.Uint64
	toClient atomic.Uint64
	started  time.Time
}

func newRelay(t *tunnel, s *session.Session) *relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &relay{
		t:       t,
		sess:    s,
		log:     t.log.WithFields(logrus.Fields{"session": s.ID, "target": s.Target()}),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		started: time.Now(),
	}
}

func (r *relay) metrics() *core.Counters { return &r.t.g.metrics }

func (r *relay) run() {
	defer r.cleanup()

	conn, err := r.dial()
	if err != nil {
		if r.sess.State().Terminal() {
			return // cancelled by the client
		}
		reason := dialReason(err)
		r.t.g.prom.dialErrors.WithLabelValues(reason.String()).Inc()
		r.log.Infof("broker dial failed (%s): %v", reason, err)
		r.fail(&core.TunnelError{Kind: core.ConnectFailure, SessionID: r.sess.ID, Target: r.sess.Target(),
			Reason: reason, Err: err}, reason)
		return
	}
	tuneConn(conn, r.t.g.cfg.KeepAlive)

	r.mu.Lock()
	if r.sess.State().Terminal() {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	r.mu.Unlock()

	r.sendMu.Lock()
	err = r.sess.Established()
	if err == nil {
		err = r.t.link.Send(frame.OpenAck(r.sess.ID))
	}
	r.sendMu.Unlock()
	if err != nil {
		return
	}
	r.metrics().SessionsOpened.Add(1)
	r.log.Debugf("session established")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.readBroker(conn) }()
	go func() { defer wg.Done(); r.writeBroker(conn) }()
	wg.Wait()
}

func (r *relay) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.t.g.cfg.DialTimeout)
	defer cancel()
	return r.t.g.dialer.DialContext(ctx, "tcp", r.sess.Target())
}

// readBroker forwards broker bytes to the client.
func (r *relay) readBroker(conn net.Conn) {
	buf := bufGet(r.t.g.cfg.ReadBufferSize)
	defer bufPut(buf)
	for {
		n, err := conn.Read(buf)
		if n > 0 && !r.forward(buf[:n]) {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.brokerEOF()
			} else {
				r.brokerFailed(err)
			}
			return
		}
	}
}

// forward sends p as DATA frames, waiting for credit. It reports false once
// the session can no longer send.
func (r *relay) forward(p []byte) bool {
	max := r.t.g.cfg.MaxPayload
	for len(p) > 0 {
		want := len(p)
		if want > max {
			want = max
		}
		n, err := r.sess.Outbound.Acquire(r.ctx, want)
		if err != nil {
			return false
		}
		r.sendMu.Lock()
		seq, err := r.sess.NextSendSequence()
		if err == nil {
			err = r.t.link.Send(frame.Data(r.sess.ID, seq, p[:n]))
		}
		r.sendMu.Unlock()
		if err != nil {
			return false
		}
		r.toClient.Add(uint64(n))
		p = p[n:]
	}
	return true
}

func (r *relay) brokerEOF() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	st, err := r.sess.CloseSent()
	if err != nil {
		return
	}
	_ = r.t.link.Send(frame.Close(r.sess.ID))
	r.log.Debugf("broker closed, CLOSE sent (%s)", st)
}

func (r *relay) brokerFailed(err error) {
	if r.sess.State().Terminal() || r.ctx.Err() != nil {
		return
	}
	r.fail(&core.TunnelError{Kind: core.TransportFailure, SessionID: r.sess.ID, Target: r.sess.Target(),
		Reason: frame.ReasonBrokerFailure, Err: err}, frame.ReasonBrokerFailure)
}

// writeBroker drains client DATA to the broker. After the client's CLOSE it
// flushes what is queued and half-closes the broker socket.
func (r *relay) writeBroker(conn net.Conn) {
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		closeReq := r.closeReq
		r.mu.Unlock()

		for _, b := range batch {
			if _, err := conn.Write(b); err != nil {
				r.brokerFailed(err)
				return
			}
			r.toBroker.Add(uint64(len(b)))
			if grant := r.sess.Inbound.Release(len(b)); grant > 0 {
				r.sendWindowUpdate(grant)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closeReq {
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			if r.sess.State() == session.StateClosed {
				r.abort()
			}
			return
		}
		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *relay) sendWindowUpdate(grant int) {
	if r.sess.State().Terminal() {
		return
	}
	_ = r.t.link.Send(frame.WindowUpdate(r.sess.ID, uint32(grant)))
}

func (r *relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *relay) onData(f frame.Frame) {
	if err := r.sess.AcceptData(f.Sequence, len(f.Payload)); err != nil {
		r.violation(err)
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, f.Payload)
	r.mu.Unlock()
	r.signal()
}

func (r *relay) onWindowUpdate(f frame.Frame) {
	credit, err := f.Credit()
	if err == nil {
		err = r.sess.Outbound.Grant(int(credit))
	}
	if err != nil {
		r.violation(err)
	}
}

func (r *relay) onClose() {
	if r.sess.State() == session.StateOpening {
		// cancels the dial; nothing is sent back
		r.sess.ForceClose()
		r.log.Debugf("CLOSE while dialing")
		r.abort()
		return
	}
	st, dup := r.sess.CloseReceived()
	if dup {
		r.log.Warnf("duplicate CLOSE ignored")
		return
	}
	r.mu.Lock()
	r.closeReq = true
	r.mu.Unlock()
	r.signal()
	r.log.Debugf("client CLOSE received (%s)", st)
}

func (r *relay) violation(err error) {
	r.metrics().ProtocolErrors.Add(1)
	r.log.Warnf("protocol violation: %v", err)
	r.fail(&core.TunnelError{Kind: core.ProtocolViolation, SessionID: r.sess.ID, Target: r.sess.Target(),
		Reason: frame.ReasonProtocolViolation, Err: err}, frame.ReasonProtocolViolation)
}

// fail moves the session to FAILED, reports reason to the client when set and
// releases the broker socket.
func (r *relay) fail(err error, reason frame.Reason) {
	if !r.sess.Fail(err) {
		return
	}
	r.metrics().SessionsFailed.Add(1)
	if reason != frame.ReasonUnknown {
		_ = r.t.link.Send(frame.Error(r.sess.ID, reason, err.Error()))
	}
	r.log.Debugf("session failed: %v", err)
	r.abort()
}

// abort stops both relay goroutines.
func (r *relay) abort() {
	r.cancel()
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.mu.Unlock()
}

func (r *relay) expire(now time.Time, to session.Timeouts) {
	switch r.sess.Expired(now, to) {
	case session.IdleExpired:
		r.fail(&core.TunnelError{Kind: core.Timeout, SessionID: r.sess.ID, Target: r.sess.Target(),
			Reason: frame.ReasonIdleTimeout, Msg: "idle for " + to.Idle.String()}, frame.ReasonIdleTimeout)
	case session.DrainExpired:
		if r.sess.ForceClose() {
			r.log.Debugf("linger elapsed, closing")
			r.abort()
		}
	}
}

func (r *relay) cleanup() {
	r.abort()
	r.t.remove(r)
	st := r.sess.State()
	if st == session.StateClosed {
		r.metrics().SessionsClosed.Add(1)
	}
	r.t.g.prom.sessionDuration.Observe(time.Since(r.started).Seconds())
	r.log.Infof("session ended (%s): %s to broker, %s to client, %s",
		st, sizestr.ToString(int64(r.toBroker.Load())), sizestr.ToString(int64(r.toClient.Load())),
		time.Since(r.started).Round(time.Millisecond))
	if err := r.sess.Err(); err != nil {
		r.log.Debugf("session error: %v", err)
	}
}
