package gateway

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/frame"
)

// Dialer opens broker connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func newDialer(cfg Config) *net.Dialer {
	return &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}
}

// tuneConn applies the broker socket options.
func tuneConn(c net.Conn, keepAlive time.Duration) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	if keepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepAlive)
	}
}

// dialReason maps a dial error onto the reason reported to the client.
func dialReason(err error) frame.Reason {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return frame.ReasonConnectTimeout
		}
		return frame.ReasonNameResolution
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return frame.ReasonConnectTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return frame.ReasonConnectTimeout
	}
	return frame.ReasonConnectionRefused
}
