package gateway_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/gateway"
	"github.com/irctrakz/kafkatunnel/pkg/tunneltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func loopbackConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.Allow = []string{"127.0.0.1:*"}
	return cfg
}

// stallDialer never connects; it reports each dial and its cancellation.
type stallDialer struct {
	dials     chan string
	cancelled chan struct{}
}

func newStallDialer() *stallDialer {
	return &stallDialer{dials: make(chan string, 16), cancelled: make(chan struct{}, 16)}
}

func (d *stallDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	d.dials <- addr
	<-ctx.Done()
	d.cancelled <- struct{}{}
	return nil, ctx.Err()
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRelayCarriesKafkaRequestBytes(t *testing.T) {
	broker := tunneltest.StartEchoBroker(t)
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	assert.Equal(t, frame.TypeOpenAck, rec.NextOf(t, 1, frame.TypeOpenAck).Type)

	req := kmsg.NewPtrMetadataRequest()
	req.SetVersion(9)
	req.Topics = []kmsg.MetadataRequestTopic{{Topic: kmsg.StringPtr("orders")}}
	wire := tunneltest.EncodeKafkaRequest(req, 7, "tunnel-test")

	require.NoError(t, l.Send(frame.Data(1, 1, wire)))
	var echoed []byte
	for len(echoed) < len(wire) {
		f := rec.NextOf(t, 1, frame.TypeData)
		echoed = append(echoed, f.Payload...)
	}
	assert.Equal(t, wire, echoed)

	require.NoError(t, l.Send(frame.Close(1)))
	rec.NextOf(t, 1, frame.TypeClose)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	m := gw.Metrics()
	assert.Equal(t, uint64(1), m.SessionsOpened)
	assert.Equal(t, uint64(1), m.SessionsClosed)
	assert.Zero(t, m.SessionsFailed)
}

func TestOpenRejectedByAllowList(t *testing.T) {
	d := newStallDialer()
	gw := tunneltest.StartGateway(t, loopbackConfig(), gateway.WithDialer(d))
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(3, "10.9.8.7:9092")))
	f := rec.NextOf(t, 3, frame.TypeError)
	reason, msg := f.Reason()
	assert.Equal(t, frame.ReasonNotAllowed, reason)
	assert.Contains(t, msg, "10.9.8.7:9092")

	assert.Empty(t, d.dials, "no socket may be opened for a rejected target")
	assert.Zero(t, gw.SessionCount())
	assert.Equal(t, uint64(1), gw.Metrics().SessionsRejected)
}

func TestOpenMalformedTarget(t *testing.T) {
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, "no-port")))
	reason, _ := rec.NextOf(t, 1, frame.TypeError).Reason()
	assert.Equal(t, frame.ReasonProtocolViolation, reason)
}

func TestOpenConnectionRefused(t *testing.T) {
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, tunneltest.RefusedAddr(t))))
	reason, _ := rec.NextOf(t, 1, frame.TypeError).Reason()
	assert.Equal(t, frame.ReasonConnectionRefused, reason)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseCancelsDial(t *testing.T) {
	d := newStallDialer()
	gw := tunneltest.StartGateway(t, loopbackConfig(), gateway.WithDialer(d))
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, "127.0.0.1:9092")))
	assert.Equal(t, "127.0.0.1:9092", <-d.dials)
	assert.Equal(t, 1, gw.SessionCount())

	require.NoError(t, l.Send(frame.Close(1)))
	waitFor(t, d.cancelled)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.Quiet(100*time.Millisecond), "nothing is sent for a cancelled OPEN")
}

func TestClientConnectTimeoutRemovesSession(t *testing.T) {
	d := newStallDialer()
	gw := tunneltest.StartGateway(t, loopbackConfig(), gateway.WithDialer(d))
	l, _ := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, "127.0.0.1:9092")))
	<-d.dials
	require.NoError(t, l.Send(frame.Error(1, frame.ReasonConnectTimeout, "gave up")))
	waitFor(t, d.cancelled)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSessionsPerTransportLimit(t *testing.T) {
	d := newStallDialer()
	cfg := loopbackConfig()
	cfg.MaxSessionsPerTransport = 1
	gw := tunneltest.StartGateway(t, cfg, gateway.WithDialer(d))
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, "127.0.0.1:9092")))
	<-d.dials
	require.NoError(t, l.Send(frame.Open(2, "127.0.0.1:9093")))
	reason, _ := rec.NextOf(t, 2, frame.TypeError).Reason()
	assert.Equal(t, frame.ReasonConnectionRefused, reason)
	assert.Equal(t, 1, gw.SessionCount())
}

func TestSequenceGapFailsSessionOnly(t *testing.T) {
	broker := tunneltest.StartEchoBroker(t)
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	rec.NextOf(t, 1, frame.TypeOpenAck)
	require.NoError(t, l.Send(frame.Open(2, broker)))
	rec.NextOf(t, 2, frame.TypeOpenAck)

	require.NoError(t, l.Send(frame.Data(1, 2, []byte("skipped one"))))
	reason, _ := rec.NextOf(t, 1, frame.TypeError).Reason()
	assert.Equal(t, frame.ReasonProtocolViolation, reason)

	// session 2 and the link are unaffected
	require.NoError(t, l.Send(frame.Data(2, 1, []byte("ping"))))
	assert.Equal(t, "ping", string(rec.NextOf(t, 2, frame.TypeData).Payload))
	assert.NoError(t, l.Err())
}

func TestBrokerDataWaitsForCredit(t *testing.T) {
	blob := bytes.Repeat([]byte("k"), frame.InitialWindow*2)
	broker := tunneltest.StartBroker(t, func(c net.Conn) {
		_, _ = c.Write(blob)
		_, _ = io.Copy(io.Discard, c)
	})
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	rec.NextOf(t, 1, frame.TypeOpenAck)

	got := 0
	for got < frame.InitialWindow {
		got += len(rec.NextOf(t, 1, frame.TypeData).Payload)
	}
	assert.Equal(t, frame.InitialWindow, got)
	assert.True(t, rec.Quiet(200*time.Millisecond), "gateway must stop at the credit limit")

	require.NoError(t, l.Send(frame.WindowUpdate(1, frame.InitialWindow)))
	for got < len(blob) {
		got += len(rec.NextOf(t, 1, frame.TypeData).Payload)
	}
	assert.Equal(t, len(blob), got)
}

func TestBrokerEOFSendsClose(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) {
		_, _ = c.Write([]byte("bye"))
	})
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	rec.NextOf(t, 1, frame.TypeOpenAck)
	assert.Equal(t, "bye", string(rec.NextOf(t, 1, frame.TypeData).Payload))
	rec.NextOf(t, 1, frame.TypeClose)

	require.NoError(t, l.Send(frame.Close(1)))
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	// a CLOSE after the session ended is dropped quietly
	require.NoError(t, l.Send(frame.Close(1)))
	assert.True(t, rec.Quiet(100*time.Millisecond))
}

func TestIdleSessionTimesOut(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	cfg := loopbackConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	gw := tunneltest.StartGateway(t, cfg)
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	rec.NextOf(t, 1, frame.TypeOpenAck)

	reason, _ := rec.NextOf(t, 1, frame.TypeError).Reason()
	assert.Equal(t, frame.ReasonIdleTimeout, reason)
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), gw.Metrics().SessionsFailed)
}

func TestLingerDropsHalfClosedSession(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) {})
	cfg := loopbackConfig()
	cfg.Linger = 200 * time.Millisecond
	gw := tunneltest.StartGateway(t, cfg)
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	rec.NextOf(t, 1, frame.TypeOpenAck)
	rec.NextOf(t, 1, frame.TypeClose)

	// the client never answers the CLOSE
	require.Eventually(t, func() bool { return gw.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.Quiet(100*time.Millisecond))
}

func TestShutdownNotifiesSessions(t *testing.T) {
	broker := tunneltest.StartBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	gw := tunneltest.StartGateway(t, loopbackConfig())
	l, rec := tunneltest.DialLink(t, gw.Endpoint)

	require.NoError(t, l.Send(frame.Open(1, broker)))
	rec.NextOf(t, 1, frame.TypeOpenAck)

	require.NoError(t, gw.Close())
	reason, _ := rec.NextOf(t, 1, frame.TypeError).Reason()
	assert.Equal(t, frame.ReasonShutdown, reason)
	assert.Zero(t, gw.SessionCount())
	assert.False(t, gw.Ready())
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	gw := tunneltest.StartGateway(t, loopbackConfig())

	get := func(path string) (int, string) {
		resp, err := http.Get(gw.Server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "kafkatunnel_gateway_sessions"))

	code, _ = get("/proxy")
	assert.Equal(t, http.StatusBadRequest, code)

	require.NoError(t, gw.Close())
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServeLimitsTransports(t *testing.T) {
	cfg := loopbackConfig()
	cfg.MaxTransports = 1
	g, err := gateway.New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- g.Serve(ln) }()
	defer func() {
		require.NoError(t, g.Close())
		assert.NoError(t, <-done)
	}()

	endpoint := "ws://" + ln.Addr().String() + gateway.DefaultPath
	tunneltest.DialLink(t, endpoint)
	require.Eventually(t, func() bool { return g.TransportCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the second TCP connection is not accepted while the first link lives
	c, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = c.Write([]byte("GET /healthz HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	_, err = c.Read(make([]byte, 1))
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}
