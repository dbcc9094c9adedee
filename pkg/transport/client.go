// Package transport is the client side of the tunnel: it keeps a websocket
// link to the gateway and multiplexes sessions onto it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/link"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/irctrakz/kafkatunnel/pkg/session"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// ErrClientClosed is returned once the client has been closed.
var ErrClientClosed = errors.New("transport: client closed")

// Client multiplexes tunnel sessions over a websocket link to the gateway.
// The link is dialed on first use and redialed, with backoff, after it fails.
type Client struct {
	cfg     Config
	url     string
	dialer  *websocket.Dialer
	log     *logrus.Entry
	metrics core.Counters

	nextID atomic.Uint32

	mu      sync.Mutex
	cur     *tunnelConn
	conns   map[*tunnelConn]struct{}
	dialing *dialCall
	bo      *backoff.Backoff
	retryAt time.Time
	closed  bool
	closeCh chan struct{}
}

type dialCall struct {
	done chan struct{}
	tc   *tunnelConn
	err  error
}

// NewClient validates cfg. No connection is made until the first Open.
func NewClient(cfg Config) (*Client, error) {
	cfg.setDefaults()
	u, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            cfg.Proxy,
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{link.Subprotocol},
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
		log:   logging.Named("transport").WithField("endpoint", u),
		conns: make(map[*tunnelConn]struct{}),
		bo: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
			Jitter: true,
		},
		closeCh: make(chan struct{}),
	}
	return c, nil
}

// URL returns the websocket URL of the gateway.
func (c *Client) URL() string { return c.url }

// Metrics returns a snapshot of the client counters.
func (c *Client) Metrics() core.TunnelMetrics { return c.metrics.Snapshot() }

// Sessions returns the number of sessions registered on the live link.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for tc := range c.conns {
		n += tc.streams.Len()
	}
	return n
}

// Open starts a session to host:port and returns immediately. Progress is
// reported to sink: EventOpened on success or EventFailed otherwise.
func (c *Client) Open(host string, port int, sink Sink) *Stream {
	id := c.nextID.Add(1)
	s := &Stream{
		c:    c,
		sess: session.New(id, host, port, frame.InitialWindow),
		sink: sink,
	}
	go s.open()
	return s
}

// Close fails every session and stops redialing.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conns := make([]*tunnelConn, 0, len(c.conns))
	for tc := range c.conns {
		conns = append(conns, tc)
	}
	c.mu.Unlock()

	for _, tc := range conns {
		tc.link.Close(ErrClientClosed)
		<-tc.stopped
	}
	return nil
}

// connection returns the live link, dialing one if needed. Concurrent callers
// share a single dial.
func (c *Client) connection(ctx context.Context) (*tunnelConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.cur != nil && c.cur.link.Err() == nil {
		tc := c.cur
		c.mu.Unlock()
		return tc, nil
	}
	call := c.dialing
	if call == nil {
		call = &dialCall{done: make(chan struct{})}
		c.dialing = call
		go c.dial(call, time.Until(c.retryAt))
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.tc, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dial(call *dialCall, wait time.Duration) {
	defer close(call.done)
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-c.closeCh:
			t.Stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.cfg.Header)
	cancel()
	if err != nil && resp != nil {
		err = fmt.Errorf("%w (HTTP %s)", err, resp.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = nil
	switch {
	case err != nil:
		d := c.bo.Duration()
		c.retryAt = time.Now().Add(d)
		c.log.Warnf("tunnel handshake failed, next attempt in %s: %v", d, err)
		call.err = &core.TunnelError{Kind: core.ConnectFailure, Reason: frame.ReasonConnectionRefused,
			Msg: "tunnel handshake failed", Err: err}
	case c.closed:
		ws.Close()
		call.err = ErrClientClosed
	default:
		c.bo.Reset()
		c.retryAt = time.Time{}
		tc := newTunnelConn(c, ws)
		c.cur = tc
		c.conns[tc] = struct{}{}
		c.metrics.LinksOpened.Add(1)
		tc.log.Infof("tunnel link established")
		go tc.run()
		call.tc = tc
	}
}

// linkDown forgets a failed link and arms the redial backoff.
func (c *Client) linkDown(tc *tunnelConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, tc)
	c.metrics.LinksClosed.Add(1)
	if c.cur == tc {
		c.cur = nil
		if !c.closed {
			c.retryAt = time.Now().Add(c.bo.Duration())
		}
	}
}

// tunnelConn is one live link and the sessions it carries.
type tunnelConn struct {
	c       *Client
	link    *link.Link
	streams *session.Table[*Stream]
	log     *logrus.Entry
	stopped chan struct{}
}

func newTunnelConn(c *Client, ws *websocket.Conn) *tunnelConn {
	l := link.New(ws, link.Config{
		MaxPayload:   c.cfg.MaxPayload,
		PingInterval: c.cfg.PingInterval,
		Metrics:      &c.metrics,
		Log:          c.log,
	})
	return &tunnelConn{
		c:       c,
		link:    l,
		streams: session.NewTable[*Stream](0),
		log:     l.Log(),
		stopped: make(chan struct{}),
	}
}

func (tc *tunnelConn) run() {
	defer close(tc.stopped)
	reapDone := make(chan struct{})
	go func() {
		defer close(reapDone)
		tc.reap()
	}()

	err := tc.link.Serve(tc)
	tc.failAll(err)
	<-reapDone
	tc.c.linkDown(tc)
}

// failAll fails every session after the link went down.
func (tc *tunnelConn) failAll(cause error) {
	streams := tc.streams.Drain()
	if len(streams) > 0 {
		tc.log.Warnf("tunnel link lost with %d live sessions: %v", len(streams), cause)
	}
	for _, s := range streams {
		s.fail(transportError(s, cause), frame.ReasonUnknown)
	}
}

func transportError(s *Stream, cause error) *core.TunnelError {
	if s.sess.State() == session.StateOpening {
		return &core.TunnelError{Kind: core.ConnectFailure, SessionID: s.ID(), Target: s.Target(),
			Reason: frame.ReasonConnectionRefused, Msg: "tunnel transport lost", Err: cause}
	}
	return &core.TunnelError{Kind: core.TransportFailure, SessionID: s.ID(), Target: s.Target(),
		Err: fmt.Errorf("%w: %v", core.ErrConnectionReset, cause)}
}

// attach registers s on this link. It fails if the link died meanwhile.
func (tc *tunnelConn) attach(s *Stream) error {
	if err := tc.streams.Insert(s.ID(), s); err != nil {
		return err
	}
	if err := tc.link.Err(); err != nil {
		tc.streams.Remove(s.ID())
		return err
	}
	return nil
}

func (tc *tunnelConn) remove(s *Stream) {
	if _, ok := tc.streams.Remove(s.ID()); ok {
		tc.link.Forget(s.ID())
	}
}

func (tc *tunnelConn) lookup(f frame.Frame) *Stream {
	if s, ok := tc.streams.Get(f.SessionID); ok {
		return s
	}
	tc.c.metrics.DroppedFrames.Add(1)
	ended, first := tc.streams.Straggler(f.SessionID)
	switch {
	case ended && first:
		tc.log.WithField("session", f.SessionID).Warnf("dropping %s for closed session", f.Type)
	case !ended:
		tc.log.WithField("session", f.SessionID).Warnf("dropping %s for unknown session", f.Type)
	}
	return nil
}

// HandleFrame dispatches an inbound frame to its session.
func (tc *tunnelConn) HandleFrame(f frame.Frame) {
	if f.Type == frame.TypeOpen {
		tc.c.metrics.ProtocolErrors.Add(1)
		tc.log.WithField("session", f.SessionID).Warnf("gateway sent OPEN, rejecting")
		_ = tc.link.Send(frame.Error(f.SessionID, frame.ReasonProtocolViolation, "unexpected OPEN"))
		return
	}
	s := tc.lookup(f)
	if s == nil {
		return
	}
	s.sess.Touch()
	switch f.Type {
	case frame.TypeOpenAck:
		s.onOpenAck()
	case frame.TypeData:
		s.onData(f)
	case frame.TypeWindowUpdate:
		s.onWindowUpdate(f)
	case frame.TypeClose:
		s.onClose()
	case frame.TypeError:
		s.onError(f)
	}
}

// HandleViolation fails the offending session only.
func (tc *tunnelConn) HandleViolation(perr *frame.ProtocolError) {
	if s, ok := tc.streams.Get(perr.SessionID); ok {
		s.violation(perr)
	}
}

func (tc *tunnelConn) reap() {
	to := tc.c.cfg.Timeouts
	t := time.NewTicker(reapInterval(to))
	defer t.Stop()
	for {
		select {
		case <-tc.link.Done():
			return
		case now := <-t.C:
			for _, s := range tc.streams.Snapshot() {
				s.expire(now, to)
			}
		}
	}
}

func reapInterval(to session.Timeouts) time.Duration {
	d := time.Second
	for _, v := range []time.Duration{to.Connect, to.Idle, to.Drain} {
		if v > 0 && v/4 < d {
			d = v / 4
		}
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
