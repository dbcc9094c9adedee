package vsock

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is a blocking net.Conn over a connected channel.
type Conn struct {
	ch *Channel

	mu    sync.Mutex
	rd    time.Time
	wd    time.Time
	moved chan struct{} // closed when a deadline changes
}

var _ net.Conn = (*Conn)(nil)

func newConn(ch *Channel) *Conn {
	return &Conn{ch: ch, moved: make(chan struct{})}
}

// Channel returns the underlying channel.
func (c *Conn) Channel() *Channel { return c.ch }

func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		gen := c.ch.in.wait()
		n, err := c.ch.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, c.opError("read", err)
		}
		if err := c.block(gen, true); err != nil {
			return 0, c.opError("read", err)
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	off := 0
	for off < len(p) {
		gen := c.ch.in.wait()
		n, err := c.ch.Write(p[off:])
		off += n
		if err != nil {
			return off, c.opError("write", err)
		}
		if off == len(p) {
			break
		}
		if n == 0 {
			if err := c.block(gen, false); err != nil {
				return off, c.opError("write", err)
			}
		}
	}
	return off, nil
}

// block waits for the next channel event or the read/write deadline.
func (c *Conn) block(gen <-chan struct{}, read bool) error {
	c.mu.Lock()
	d := c.wd
	if read {
		d = c.rd
	}
	moved := c.moved
	c.mu.Unlock()

	var expire <-chan time.Time
	if !d.IsZero() {
		left := time.Until(d)
		if left <= 0 {
			return os.ErrDeadlineExceeded
		}
		t := time.NewTimer(left)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-gen:
	case <-moved:
	case <-expire:
		return os.ErrDeadlineExceeded
	}
	return nil
}

// CloseWrite half-closes the connection.
func (c *Conn) CloseWrite() error {
	if err := c.ch.CloseWrite(); err != nil {
		return c.opError("close", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if !c.ch.IsOpen() {
		return c.opError("close", net.ErrClosed)
	}
	return c.ch.Close()
}

func (c *Conn) LocalAddr() net.Addr { return c.ch.LocalAddr() }

func (c *Conn) RemoteAddr() net.Addr { return c.ch.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	c.setDeadline(t, true, true)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.setDeadline(t, true, false)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.setDeadline(t, false, true)
	return nil
}

func (c *Conn) setDeadline(t time.Time, read, write bool) {
	c.mu.Lock()
	if read {
		c.rd = t
	}
	if write {
		c.wd = t
	}
	close(c.moved)
	c.moved = make(chan struct{})
	c.mu.Unlock()
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "tcp", Addr: c.ch.RemoteAddr(), Err: err}
}
