package vsock

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/irctrakz/kafkatunnel/pkg/transport"
)

// ErrAlreadyInstalled is returned by a second Install.
var ErrAlreadyInstalled = errors.New("vsock: provider already installed")

// Predicate decides whether a target is reached through the tunnel.
type Predicate func(host string, port int) bool

// Provider opens channels and selectors. Targets matching the tunneling
// condition ride the provider's transport client; everything else connects
// directly.
type Provider struct {
	client *transport.Client
	dialer *net.Dialer

	mu   sync.RWMutex
	cond Predicate
}

// NewProvider returns a provider tunneling through client. A nil client
// gives a direct-only provider.
func NewProvider(client *transport.Client) *Provider {
	return &Provider{
		client: client,
		dialer: &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
	}
}

// Client returns the provider's transport client, which may be nil.
func (p *Provider) Client() *transport.Client { return p.client }

// SetTunnelingCondition replaces the routing predicate. Nil restores the
// default, which tunnels nothing.
func (p *Provider) SetTunnelingCondition(f Predicate) {
	p.mu.Lock()
	p.cond = f
	p.mu.Unlock()
}

// ShouldTunnel evaluates the routing predicate for host:port.
func (p *Provider) ShouldTunnel(host string, port int) bool {
	if p.client == nil {
		return false
	}
	p.mu.RLock()
	f := p.cond
	p.mu.RUnlock()
	return f != nil && f(host, port)
}

// OpenChannel returns an unconnected channel.
func (p *Provider) OpenChannel() *Channel { return newChannel(p) }

// OpenSelector returns a new selector.
func (p *Provider) OpenSelector() *Selector { return NewSelector() }

// DialContext connects to address and returns a blocking net.Conn. Direct
// targets get a plain TCP connection; tunneled targets get a Conn over a
// channel. Failures are *net.OpError with Op "dial".
func (p *Provider) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, &net.OpError{Op: "dial", Net: network, Err: net.UnknownNetworkError(network)}
	}
	host, port, err := splitTarget(address)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	if !p.ShouldTunnel(host, port) {
		return p.dialer.DialContext(ctx, network, address)
	}

	ch := p.OpenChannel()
	if _, err := ch.Connect(address); err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Addr: ch.RemoteAddr(), Err: err}
	}
	for {
		gen := ch.in.wait()
		ok, err := ch.FinishConnect()
		if ok {
			logging.Named("vsock").WithField("target", address).Debug("tunneled connection established")
			return newConn(ch), nil
		}
		if err != nil {
			addr := ch.RemoteAddr()
			ch.Close()
			return nil, &net.OpError{Op: "dial", Net: network, Addr: addr, Err: err}
		}
		select {
		case <-gen:
		case <-ctx.Done():
			addr := ch.RemoteAddr()
			ch.Close()
			return nil, &net.OpError{Op: "dial", Net: network, Addr: addr, Err: ctx.Err()}
		}
	}
}

var (
	installed atomic.Pointer[Provider]

	directOnce sync.Once
	direct     *Provider
)

// Install makes p the process-wide default provider. It may be called once.
func Install(p *Provider) error {
	if p == nil {
		return errors.New("vsock: nil provider")
	}
	if !installed.CompareAndSwap(nil, p) {
		return ErrAlreadyInstalled
	}
	return nil
}

// Default returns the installed provider, or a direct-only provider when
// none is installed.
func Default() *Provider {
	if p := installed.Load(); p != nil {
		return p
	}
	directOnce.Do(func() { direct = NewProvider(nil) })
	return direct
}

// DialContext dials through the default provider. Its signature matches
// net.Dialer.DialContext so it can be handed to Kafka clients.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return Default().DialContext(ctx, network, address)
}
