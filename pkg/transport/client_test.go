package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/gateway"
	"github.com/irctrakz/kafkatunnel/pkg/session"
	"github.com/irctrakz/kafkatunnel/pkg/transport"
	"github.com/irctrakz/kafkatunnel/pkg/tunneltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events chan transport.Event

func (e events) sink(ev transport.Event) {
	if ev.Data != nil {
		ev.Data = append([]byte(nil), ev.Data...)
	}
	e <- ev
}

func (e events) next(t *testing.T, kinds ...transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-e:
			for _, k := range kinds {
				if ev.Kind == k {
					return ev
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kinds)
			return transport.Event{}
		}
	}
}

func split(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func loopbackGateway(t *testing.T, opts ...gateway.Option) *tunneltest.Gateway {
	cfg := gateway.DefaultConfig()
	cfg.Allow = []string{"127.0.0.1:*"}
	return tunneltest.StartGateway(t, cfg, opts...)
}

func TestStreamEcho(t *testing.T) {
	host, port := split(t, tunneltest.StartEchoBroker(t))
	gw := loopbackGateway(t)
	c := tunneltest.NewTransport(t, gw.Endpoint, nil)

	ev := make(events, 64)
	s := c.Open(host, port, ev.sink)
	ev.next(t, transport.EventOpened)
	assert.Equal(t, session.StateEstablished, s.State())
	assert.True(t, s.Writable())

	n, err := s.Write([]byte("hello broker"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	var got []byte
	for len(got) < 12 {
		d := ev.next(t, transport.EventData)
		got = append(got, d.Data...)
		s.Release(len(d.Data))
	}
	assert.Equal(t, "hello broker", string(got))

	require.NoError(t, s.CloseWrite())
	ev.next(t, transport.EventEOF)
	require.Eventually(t, func() bool { return s.State() == session.StateClosed }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 && c.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)

	m := c.Metrics()
	assert.Equal(t, uint64(1), m.SessionsOpened)
	assert.Equal(t, uint64(1), m.SessionsClosed)
}

func TestWriteStopsAtCredit(t *testing.T) {
	host, port := split(t, tunneltest.StartEchoBroker(t))
	gw := loopbackGateway(t)
	c := tunneltest.NewTransport(t, gw.Endpoint, func(cfg *transport.Config) {
		cfg.MaxPayload = 64 << 10
	})

	ev := make(events, 1024)
	s := c.Open(host, port, ev.sink)
	ev.next(t, transport.EventOpened)

	n, err := s.Write(make([]byte, 2*frame.InitialWindow))
	require.NoError(t, err)
	assert.Equal(t, frame.InitialWindow, n)
}

func TestWriteBeforeOpenAck(t *testing.T) {
	gw := loopbackGateway(t, gateway.WithDialer(stall{}))
	c := tunneltest.NewTransport(t, gw.Endpoint, nil)

	s := c.Open("127.0.0.1", 9092, nil)
	_, err := s.Write([]byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.False(t, s.Writable())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestOpenNotAllowed(t *testing.T) {
	gw := loopbackGateway(t)
	c := tunneltest.NewTransport(t, gw.Endpoint, nil)

	ev := make(events, 8)
	s := c.Open("10.0.0.1", 9092, ev.sink)
	failed := ev.next(t, transport.EventFailed)

	assert.True(t, core.IsKind(failed.Err, core.ConnectFailure))
	assert.ErrorIs(t, failed.Err, syscall.ECONNREFUSED)
	var te *core.TunnelError
	require.ErrorAs(t, failed.Err, &te)
	assert.Equal(t, frame.ReasonNotAllowed, te.Reason)
	assert.Equal(t, session.StateFailed, s.State())
	assert.Equal(t, failed.Err, s.Err())
}

// stall is a broker dialer that never connects.
type stall struct{}

func (stall) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectTimeoutLeavesNoGatewaySession(t *testing.T) {
	gw := loopbackGateway(t, gateway.WithDialer(stall{}))
	c := tunneltest.NewTransport(t, gw.Endpoint, func(cfg *transport.Config) {
		cfg.Timeouts.Connect = 200 * time.Millisecond
	})

	ev := make(events, 8)
	c.Open("127.0.0.1", 9092, ev.sink)
	require.Eventually(t, func() bool { return gw.SessionCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	failed := ev.next(t, transport.EventFailed)
	assert.True(t, core.IsKind(failed.Err, core.ConnectFailure))
	assert.ErrorIs(t, failed.Err, syscall.ETIMEDOUT)
	var nerr net.Error
	require.ErrorAs(t, failed.Err, &nerr)
	assert.True(t, nerr.Timeout())

	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTransportDropFailsEverySession(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	host, port := split(t, broker)
	gw := loopbackGateway(t)
	cut := tunneltest.StartCutter(t, gw.Server.Listener.Addr().String())
	c := tunneltest.NewTransport(t, cut.Addr, nil)

	sinks := make([]events, 3)
	streams := make([]*transport.Stream, 3)
	for i := range streams {
		sinks[i] = make(events, 16)
		streams[i] = c.Open(host, port, sinks[i].sink)
	}
	for i := range streams {
		sinks[i].next(t, transport.EventOpened)
	}

	cut.Cut()
	for i, s := range streams {
		ev := sinks[i].next(t, transport.EventFailed)
		assert.True(t, core.IsKind(ev.Err, core.TransportFailure), "stream %d: %v", i, ev.Err)
		assert.ErrorIs(t, ev.Err, syscall.ECONNRESET)
		assert.ErrorIs(t, ev.Err, core.ErrConnectionReset)
		_, err := s.Write([]byte("late"))
		assert.Error(t, err)
	}
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	// failed sessions stay failed; a new session gets a new link
	ev := make(events, 8)
	fresh := c.Open(host, port, ev.sink)
	ev.next(t, transport.EventOpened)
	assert.NotEqual(t, streams[0].ID(), fresh.ID())
	assert.Equal(t, session.StateFailed, streams[0].State())
	assert.Equal(t, uint64(2), c.Metrics().LinksOpened)
}

func TestDrainTimeoutClosesBothSides(t *testing.T) {
	host, port := split(t, tunneltest.StartBroker(t, func(net.Conn) {}))
	gw := loopbackGateway(t)
	c := tunneltest.NewTransport(t, gw.Endpoint, func(cfg *transport.Config) {
		cfg.Timeouts.Drain = 200 * time.Millisecond
	})

	ev := make(events, 8)
	s := c.Open(host, port, ev.sink)
	ev.next(t, transport.EventOpened)
	ev.next(t, transport.EventEOF)

	// the owner never closes; the drain timer has to end the session
	failed := ev.next(t, transport.EventFailed)
	assert.True(t, core.IsKind(failed.Err, core.Timeout))
	assert.Equal(t, session.StateClosed, s.State())
	require.Eventually(t, func() bool { return c.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayIdleTimeout(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	host, port := split(t, broker)
	cfg := gateway.DefaultConfig()
	cfg.Allow = []string{"127.0.0.1:*"}
	cfg.IdleTimeout = 200 * time.Millisecond
	gw := tunneltest.StartGateway(t, cfg)
	c := tunneltest.NewTransport(t, gw.Endpoint, nil)

	ev := make(events, 8)
	s := c.Open(host, port, ev.sink)
	ev.next(t, transport.EventOpened)

	failed := ev.next(t, transport.EventFailed)
	assert.True(t, core.IsKind(failed.Err, core.Timeout))
	assert.ErrorIs(t, failed.Err, syscall.ETIMEDOUT)
	var te *core.TunnelError
	require.ErrorAs(t, failed.Err, &te)
	assert.Equal(t, frame.ReasonIdleTimeout, te.Reason)
	assert.Equal(t, session.StateFailed, s.State())
	require.Eventually(t, func() bool { return c.Sessions() == 0 && gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandshakeFailureIsConnectFailure(t *testing.T) {
	c := tunneltest.NewTransport(t, tunneltest.RefusedAddr(t), nil)

	ev := make(events, 8)
	c.Open("127.0.0.1", 9092, ev.sink)
	failed := ev.next(t, transport.EventFailed)
	assert.True(t, core.IsKind(failed.Err, core.ConnectFailure))
	assert.ErrorIs(t, failed.Err, syscall.ECONNREFUSED)
}

func TestClientClose(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	host, port := split(t, broker)
	gw := loopbackGateway(t)
	c := tunneltest.NewTransport(t, gw.Endpoint, nil)

	ev := make(events, 8)
	s := c.Open(host, port, ev.sink)
	ev.next(t, transport.EventOpened)

	require.NoError(t, c.Close())
	failed := ev.next(t, transport.EventFailed)
	assert.True(t, errors.Is(failed.Err, transport.ErrClientClosed) || core.IsKind(failed.Err, core.TransportFailure))
	assert.True(t, s.State().Terminal())

	late := make(events, 8)
	c.Open(host, port, late.sink)
	assert.ErrorIs(t, late.next(t, transport.EventFailed).Err, transport.ErrClientClosed)
}
