// Package vsock gives Kafka clients socket-like channels that either connect
// directly or ride a tunnel session, chosen per target by a routing
// predicate. Channels are non-blocking and are multiplexed by a Selector;
// Conn wraps one as a blocking net.Conn.
package vsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/irctrakz/kafkatunnel/pkg/transport"
)

// Op is a set of readiness operations.
type Op uint8

const (
	OpConnect Op = 1 << iota
	OpRead
	OpWrite
)

func (o Op) String() string {
	if o == 0 {
		return "none"
	}
	s := ""
	for _, n := range []struct {
		op   Op
		name string
	}{{OpConnect, "connect"}, {OpRead, "read"}, {OpWrite, "write"}} {
		if o&n.op != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = net.ErrClosed
	// ErrNotConnected is returned for reads and writes before the channel connects.
	ErrNotConnected = errors.New("vsock: channel not connected")
	// ErrConnectionPending is returned by Connect while a connect is in progress.
	ErrConnectionPending = errors.New("vsock: connection pending")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("vsock: already connected")
	// ErrNoConnect is returned by FinishConnect on a channel that never called Connect.
	ErrNoConnect = errors.New("vsock: connect not started")
)

type chanState int

const (
	stateIdle chanState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// backend is the byte path behind a channel. All methods are non-blocking
// except close, which waits for the backend's goroutines.
type backend interface {
	write(p []byte) (int, error)
	writable() bool
	release(n int)
	closeWrite() error
	close() error
	localAddr() net.Addr
	remoteAddr() net.Addr
}

// Channel is a non-blocking stream socket. A channel is safe for concurrent
// use, but readiness is only meaningful to one reader and one writer.
type Channel struct {
	p  *Provider
	in *inbox

	mu       sync.Mutex
	state    chanState
	be       backend
	tunneled bool
	addr     string
	opened   bool
	pending  [][]byte
	eof      bool
	err      error
	keys     map[*Selector]*Key
}

func newChannel(p *Provider) *Channel {
	return &Channel{p: p, in: newInbox(), keys: make(map[*Selector]*Key)}
}

// Connect starts connecting to address (host:port). It never blocks; the
// result is reported by FinishConnect and by OpConnect readiness.
func (c *Channel) Connect(address string) (bool, error) {
	host, port, err := splitTarget(address)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return false, ErrClosed
	case stateConnecting:
		return false, ErrConnectionPending
	case stateConnected:
		return false, ErrAlreadyConnected
	}
	c.addr = address
	c.state = stateConnecting
	if c.p.ShouldTunnel(host, port) {
		c.tunneled = true
		c.be = newTunnelBackend(c.p.client, host, port, c.in)
	} else {
		c.be = newDirectBackend(c.p.dialer, address, c.in)
	}
	return false, nil
}

// FinishConnect reports whether the connect completed. It returns the
// connect error once the attempt has failed.
func (c *Channel) FinishConnect() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollLocked()
	switch c.state {
	case stateIdle:
		return false, ErrNoConnect
	case stateClosed:
		return false, ErrClosed
	case stateConnected:
		return true, nil
	}
	if c.err != nil {
		return false, c.err
	}
	if c.opened {
		c.state = stateConnected
		return true, nil
	}
	return false, nil
}

// Read copies buffered inbound bytes into p. It returns 0, nil when nothing
// is buffered and io.EOF once the peer has closed and the buffer is drained.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollLocked()
	switch c.state {
	case stateClosed:
		return 0, ErrClosed
	case stateIdle, stateConnecting:
		if c.err != nil {
			return 0, c.err
		}
		return 0, ErrNotConnected
	}
	n := 0
	for n < len(p) && len(c.pending) > 0 {
		k := copy(p[n:], c.pending[0])
		n += k
		if k == len(c.pending[0]) {
			c.pending = c.pending[1:]
		} else {
			c.pending[0] = c.pending[0][k:]
		}
	}
	if n > 0 {
		c.be.release(n)
		return n, nil
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.eof {
		return 0, io.EOF
	}
	return 0, nil
}

// Write queues as much of p as the peer's credit allows and returns the
// count taken. It never blocks.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollLocked()
	switch c.state {
	case stateClosed:
		return 0, ErrClosed
	case stateIdle, stateConnecting:
		if c.err != nil {
			return 0, c.err
		}
		return 0, ErrNotConnected
	}
	if c.err != nil {
		return 0, c.err
	}
	return c.be.write(p)
}

// CloseWrite half-closes the channel once queued bytes are sent.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnected {
		return ErrNotConnected
	}
	return c.be.closeWrite()
}

// Close releases the channel and its backend before returning. Selectors
// holding a key for it are woken.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	be := c.be
	c.pending = nil
	keys := make([]*Key, 0, len(c.keys))
	for _, k := range c.keys {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var err error
	if be != nil {
		err = be.close()
	}
	for _, k := range keys {
		k.sel.channelClosed(k)
	}
	c.in.notify()
	return err
}

// LocalAddr returns the local end, or nil before Connect.
func (c *Channel) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.be == nil {
		return nil
	}
	return c.be.localAddr()
}

// RemoteAddr returns the target address, or nil before Connect.
func (c *Channel) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.be == nil {
		return nil
	}
	return c.be.remoteAddr()
}

// Tunneled reports whether the channel rides a tunnel session.
func (c *Channel) Tunneled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunneled
}

// IsOpen reports whether the channel has not been closed.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != stateClosed
}

// ready drains the inbox and returns the operations that would not block.
func (c *Channel) ready() Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollLocked()
	var ops Op
	switch c.state {
	case stateConnecting:
		if c.opened || c.err != nil {
			ops |= OpConnect
		}
	case stateConnected:
		if len(c.pending) > 0 || c.eof || c.err != nil {
			ops |= OpRead
		}
		if c.err != nil || c.be.writable() {
			ops |= OpWrite
		}
	}
	return ops
}

func (c *Channel) pollLocked() {
	for _, ev := range c.in.drain() {
		switch ev.Kind {
		case transport.EventOpened:
			c.opened = true
		case transport.EventData:
			if c.state == stateClosed {
				continue
			}
			c.pending = append(c.pending, ev.Data)
		case transport.EventEOF:
			c.eof = true
		case transport.EventFailed:
			if c.err == nil {
				c.err = ev.Err
			}
		}
	}
}

func (c *Channel) addKey(k *Key) {
	c.mu.Lock()
	c.keys[k.sel] = k
	c.mu.Unlock()
}

func (c *Channel) removeKey(k *Key) {
	c.mu.Lock()
	if c.keys[k.sel] == k {
		delete(c.keys, k.sel)
	}
	c.mu.Unlock()
}

func splitTarget(address string) (string, int, error) {
	host, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("vsock: invalid port in %q", address)
	}
	if host == "" {
		return "", 0, fmt.Errorf("vsock: missing host in %q", address)
	}
	return host, port, nil
}
