package gateway

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/link"
	"github.com/irctrakz/kafkatunnel/pkg/session"
	"github.com/sirupsen/logrus"
)

// tunnel is one accepted link and the sessions it carries.
type tunnel struct {
	g        *Gateway
	link     *link.Link
	log      *logrus.Entry
	sessions *session.Table[*relay]
	wg       sync.WaitGroup
}

func newTunnel(g *Gateway, ws *websocket.Conn) *tunnel {
	l := link.New(ws, link.Config{
		MaxPayload:   g.cfg.MaxPayload,
		PingInterval: g.cfg.PingInterval,
		Metrics:      &g.metrics,
		Log:          g.log,
	})
	return &tunnel{
		g:        g,
		link:     l,
		log:      l.Log(),
		sessions: session.NewTable[*relay](0),
	}
}

func (t *tunnel) run() {
	t.g.metrics.LinksOpened.Add(1)
	stop := make(chan struct{})
	go t.reap(stop)

	err := t.link.Serve(t)
	close(stop)

	rs := t.sessions.Snapshot()
	if len(rs) > 0 {
		t.log.Warnf("tunnel link lost with %d live sessions: %v", len(rs), err)
	}
	for _, r := range rs {
		r.fail(&core.TunnelError{Kind: core.TransportFailure, SessionID: r.sess.ID, Target: r.sess.Target(),
			Err: fmt.Errorf("%w: %v", core.ErrConnectionReset, err)}, frame.ReasonUnknown)
	}
	t.wg.Wait()
	t.g.metrics.LinksClosed.Add(1)
}

// shutdown tells the client every session is going away, then drops the link.
func (t *tunnel) shutdown() {
	for _, r := range t.sessions.Snapshot() {
		r.fail(&core.TunnelError{Kind: core.TransportFailure, SessionID: r.sess.ID, Target: r.sess.Target(),
			Reason: frame.ReasonShutdown, Msg: "gateway shutting down"}, frame.ReasonShutdown)
	}
	_ = t.link.Flush(time.Second)
	t.link.Close(ErrShutdown)
}

// HandleFrame runs on the link reader.
func (t *tunnel) HandleFrame(f frame.Frame) {
	if f.Type == frame.TypeOpen {
		t.open(f)
		return
	}
	r, ok := t.sessions.Get(f.SessionID)
	if !ok {
		t.g.metrics.DroppedFrames.Add(1)
		ended, first := t.sessions.Straggler(f.SessionID)
		switch {
		case ended && first:
			t.log.WithField("session", f.SessionID).Warnf("dropping %s for closed session", f.Type)
		case !ended:
			t.log.WithField("session", f.SessionID).Warnf("dropping %s for unknown session", f.Type)
		}
		return
	}
	r.sess.Touch()
	switch f.Type {
	case frame.TypeData:
		r.onData(f)
	case frame.TypeWindowUpdate:
		r.onWindowUpdate(f)
	case frame.TypeClose:
		r.onClose()
	case frame.TypeError:
		reason, msg := f.Reason()
		r.log.Debugf("client reported %s: %s", reason, msg)
		r.fail(core.ReasonError(r.sess.ID, r.sess.Target(), r.sess.State() == session.StateOpening, reason, msg),
			frame.ReasonUnknown)
	case frame.TypeOpenAck:
		r.violation(fmt.Errorf("unexpected OPEN_ACK from client"))
	}
}

// HandleViolation fails the offending session only.
func (t *tunnel) HandleViolation(perr *frame.ProtocolError) {
	if r, ok := t.sessions.Get(perr.SessionID); ok {
		r.violation(perr)
	}
}

func (t *tunnel) reject(id uint32, target string, reason frame.Reason, msg string) {
	t.g.metrics.SessionsRejected.Add(1)
	t.g.prom.rejected.WithLabelValues(reason.String()).Inc()
	t.log.WithFields(logrus.Fields{"session": id, "target": target}).Infof("OPEN rejected: %s %s", reason, msg)
	_ = t.link.Send(frame.Error(id, reason, msg))
}

func (t *tunnel) open(f frame.Frame) {
	target := string(f.Payload)
	host, portStr, err := net.SplitHostPort(target)
	port, perr := strconv.Atoi(portStr)
	if err != nil || perr != nil || host == "" || port <= 0 || port > 65535 {
		t.g.metrics.ProtocolErrors.Add(1)
		t.reject(f.SessionID, target, frame.ReasonProtocolViolation, "malformed target")
		return
	}
	if max := t.g.cfg.MaxSessionsPerTransport; max > 0 && t.sessions.Len() >= max {
		t.reject(f.SessionID, target, frame.ReasonConnectionRefused, "too many sessions on transport")
		return
	}
	if !t.g.allow.Allowed(host, port) {
		t.reject(f.SessionID, target, frame.ReasonNotAllowed, target+" is not allowed")
		return
	}

	r := newRelay(t, session.New(f.SessionID, host, port, frame.InitialWindow))
	if err := t.sessions.Insert(f.SessionID, r); err != nil {
		t.g.metrics.ProtocolErrors.Add(1)
		if live, ok := t.sessions.Get(f.SessionID); ok {
			live.violation(fmt.Errorf("duplicate OPEN"))
			return
		}
		t.reject(f.SessionID, target, frame.ReasonProtocolViolation, "session id reused")
		return
	}
	t.g.sessions.Add(1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		r.run()
	}()
}

func (t *tunnel) remove(r *relay) {
	if _, ok := t.sessions.Remove(r.sess.ID); ok {
		t.link.Forget(r.sess.ID)
		t.g.sessions.Add(-1)
	}
}

func (t *tunnel) reap(stop <-chan struct{}) {
	to := session.Timeouts{Idle: t.g.cfg.IdleTimeout, Drain: t.g.cfg.Linger}
	iv := time.Second
	for _, d := range []time.Duration{to.Idle, to.Drain} {
		if d > 0 && d/4 < iv {
			iv = d / 4
		}
	}
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	tk := time.NewTicker(iv)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-tk.C:
			for _, r := range t.sessions.Snapshot() {
				r.expire(now, to)
			}
		}
	}
}
