// Package tunneltest provides brokers, gateways and raw links for tests.
package tunneltest

import (
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/gateway"
	"github.com/irctrakz/kafkatunnel/pkg/link"
	"github.com/irctrakz/kafkatunnel/pkg/transport"
	"github.com/stretchr/testify/require"
)

// StartBroker listens on loopback and runs handle for every accepted
// connection. The connection is closed when handle returns.
func StartBroker(t testing.TB, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveBroker(t, ln, handle)
	return ln.Addr().String()
}

func serveBroker(t testing.TB, ln net.Listener, handle func(net.Conn)) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	closed := false
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		closed = true
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			if closed {
				mu.Unlock()
				_ = c.Close()
				return
			}
			conns = append(conns, c)
			wg.Add(1)
			mu.Unlock()
			go func() {
				defer wg.Done()
				defer c.Close()
				handle(c)
			}()
		}
	}()
}

// StartEchoBroker echoes every byte back and half-closes after the peer does.
func StartEchoBroker(t testing.TB) string {
	return StartBroker(t, func(c net.Conn) {
		_, _ = io.Copy(c, c)
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	})
}

// RefusedAddr returns a loopback address nothing listens on.
func RefusedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// Gateway is a gateway served by an httptest server.
type Gateway struct {
	*gateway.Gateway
	Server *httptest.Server
	// Endpoint is the websocket URL of the tunnel path.
	Endpoint string
}

// StartGateway serves a gateway for the duration of the test.
func StartGateway(t testing.TB, cfg gateway.Config, opts ...gateway.Option) *Gateway {
	t.Helper()
	g, err := gateway.New(cfg, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		_ = g.Close()
		ts.Close()
	})
	return &Gateway{
		Gateway:  g,
		Server:   ts,
		Endpoint: "ws" + strings.TrimPrefix(ts.URL, "http") + g.Config().Path,
	}
}

// NewTransport returns a client for endpoint with short test timeouts.
// mutate, when set, adjusts the config before the client is built.
func NewTransport(t testing.TB, endpoint string, mutate func(*transport.Config)) *transport.Client {
	t.Helper()
	cfg := transport.DefaultConfig(endpoint)
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	cfg.Timeouts.Connect = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := transport.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Recorder collects frames delivered by a link.
type Recorder struct {
	ch         chan frame.Frame
	mu         sync.Mutex
	violations []*frame.ProtocolError
}

func (r *Recorder) HandleFrame(f frame.Frame) { r.ch <- f }

func (r *Recorder) HandleViolation(err *frame.ProtocolError) {
	r.mu.Lock()
	r.violations = append(r.violations, err)
	r.mu.Unlock()
}

// Violations returns the session-level violations seen so far.
func (r *Recorder) Violations() []*frame.ProtocolError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.ProtocolError(nil), r.violations...)
}

// Next waits for the next frame.
func (r *Recorder) Next(t testing.TB) frame.Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return frame.Frame{}
	}
}

// NextOf skips frames until one of type typ for session id arrives.
func (r *Recorder) NextOf(t testing.TB, id uint32, typ frame.Type) frame.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-r.ch:
			if f.SessionID == id && f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on session %d", typ, id)
			return frame.Frame{}
		}
	}
}

// Quiet reports whether no frame arrives within d.
func (r *Recorder) Quiet(d time.Duration) bool {
	select {
	case <-r.ch:
		return false
	case <-time.After(d):
		return true
	}
}

// DialLink opens a raw link to endpoint, for speaking frames directly.
func DialLink(t testing.TB, endpoint string) (*link.Link, *Recorder) {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{link.Subprotocol}}
	ws, _, err := d.Dial(endpoint, nil)
	require.NoError(t, err)
	l := link.New(ws, link.Config{})
	rec := &Recorder{ch: make(chan frame.Frame, 4096)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := l.Serve(rec)
		if err != nil && !errors.Is(err, link.ErrClosed) {
			t.Logf("test link ended: %v", err)
		}
	}()
	t.Cleanup(func() {
		l.Close(nil)
		<-done
	})
	return l, rec
}

// Cutter is a TCP forwarder whose connections can be dropped on demand.
type Cutter struct {
	Addr string

	mu    sync.Mutex
	conns []net.Conn
}

// StartCutter forwards loopback connections to target.
func StartCutter(t testing.TB, target string) *Cutter {
	t.Helper()
	c := &Cutter{}
	c.Addr = StartBroker(t, func(in net.Conn) {
		out, err := net.Dial("tcp", target)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conns = append(c.conns, in, out)
		c.mu.Unlock()
		defer out.Close()
		go func() {
			_, _ = io.Copy(out, in)
			_ = out.Close()
		}()
		_, _ = io.Copy(in, out)
	})
	return c
}

// Cut closes every forwarded connection.
func (c *Cutter) Cut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = nil
}
