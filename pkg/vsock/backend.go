package vsock

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/irctrakz/kafkatunnel/pkg/flowcontrol"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/transport"
)

type tunnelBackend struct {
	s *transport.Stream
}

func newTunnelBackend(c *transport.Client, host string, port int, in *inbox) *tunnelBackend {
	return &tunnelBackend{s: c.Open(host, port, in.push)}
}

func (b *tunnelBackend) write(p []byte) (int, error) { return b.s.Write(p) }
func (b *tunnelBackend) writable() bool              { return b.s.Writable() }
func (b *tunnelBackend) release(n int)               { b.s.Release(n) }
func (b *tunnelBackend) closeWrite() error           { return b.s.CloseWrite() }
func (b *tunnelBackend) close() error                { return b.s.Close() }
func (b *tunnelBackend) localAddr() net.Addr         { return b.s.LocalAddr() }
func (b *tunnelBackend) remoteAddr() net.Addr        { return b.s.RemoteAddr() }

// directReadSize is the largest read a direct pump issues.
const directReadSize = 32 << 10

// directBackend pumps a real TCP connection. recv bounds the bytes buffered
// in the inbox and send bounds the bytes queued for the writer, both at the
// tunnel's initial window.
type directBackend struct {
	in     *inbox
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	recv   *flowcontrol.Window
	send   *flowcontrol.Window

	mu       sync.Mutex
	conn     net.Conn
	queue    [][]byte
	closeReq bool
	wake     chan struct{}

	wg sync.WaitGroup
}

type contextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func newDirectBackend(d contextDialer, address string, in *inbox) *directBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &directBackend{
		in:     in,
		addr:   address,
		ctx:    ctx,
		cancel: cancel,
		recv:   flowcontrol.NewWindow(frame.InitialWindow),
		send:   flowcontrol.NewWindow(frame.InitialWindow),
		wake:   make(chan struct{}, 1),
	}
	b.wg.Add(1)
	go b.dial(d)
	return b
}

func (b *directBackend) dial(d contextDialer) {
	defer b.wg.Done()
	conn, err := d.DialContext(b.ctx, "tcp", b.addr)
	if err != nil {
		b.in.push(transport.Event{Kind: transport.EventFailed, Err: err})
		return
	}
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = conn
	b.wg.Add(2)
	b.mu.Unlock()

	b.in.push(transport.Event{Kind: transport.EventOpened})
	go b.readLoop(conn)
	go b.writeLoop(conn)
}

func (b *directBackend) readLoop(conn net.Conn) {
	defer b.wg.Done()
	buf := make([]byte, directReadSize)
	for {
		n, err := b.recv.Acquire(b.ctx, len(buf))
		if err != nil {
			return
		}
		k, rerr := conn.Read(buf[:n])
		if k < n {
			_ = b.recv.Grant(n - k)
		}
		if k > 0 {
			b.in.push(transport.Event{Kind: transport.EventData, Data: append([]byte(nil), buf[:k]...)})
		}
		if rerr != nil {
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(rerr, io.EOF) {
				b.in.push(transport.Event{Kind: transport.EventEOF})
			} else {
				b.in.push(transport.Event{Kind: transport.EventFailed, Err: rerr})
			}
			return
		}
	}
}

func (b *directBackend) writeLoop(conn net.Conn) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.queue
		b.queue = nil
		closeReq := b.closeReq
		b.mu.Unlock()

		for _, p := range q {
			if _, err := conn.Write(p); err != nil {
				if b.ctx.Err() == nil {
					b.in.push(transport.Event{Kind: transport.EventFailed, Err: err})
				}
				return
			}
			_ = b.send.Grant(len(p))
			b.in.push(transport.Event{Kind: transport.EventWritable})
		}
		if len(q) > 0 {
			continue
		}
		if closeReq {
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			return
		}
		select {
		case <-b.wake:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *directBackend) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// write and closeWrite share mu so every accepted byte is queued ahead of
// the shutdown.
func (b *directBackend) write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closeReq {
		b.mu.Unlock()
		return 0, transport.ErrStreamClosed
	}
	n := b.send.TryConsume(len(p))
	if n > 0 {
		b.queue = append(b.queue, append([]byte(nil), p[:n]...))
	}
	b.mu.Unlock()
	if n > 0 {
		b.signal()
	}
	return n, nil
}

func (b *directBackend) writable() bool {
	b.mu.Lock()
	closed := b.closeReq
	b.mu.Unlock()
	return !closed && b.send.Available() > 0
}

func (b *directBackend) release(n int) { _ = b.recv.Grant(n) }

func (b *directBackend) closeWrite() error {
	b.mu.Lock()
	b.closeReq = true
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *directBackend) close() error {
	b.mu.Lock()
	b.cancel()
	conn := b.conn
	b.mu.Unlock()
	b.recv.Close()
	b.send.Close()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

func (b *directBackend) localAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.LocalAddr()
	}
	return nil
}

func (b *directBackend) remoteAddr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.RemoteAddr()
	}
	return transport.Addr{Net: "tcp", Str: b.addr}
}
