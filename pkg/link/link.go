// Package link carries tunnel frames over one websocket connection.
//
// The websocket is treated as a byte stream: binary message payloads are
// concatenated and frames may span message boundaries. Outbound frames are
// queued by any goroutine and coalesced into messages by a single writer.
package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "kafka-tunnel.v1"

var (
	// ErrClosed is the cause reported for links closed locally without error.
	ErrClosed = errors.New("link: closed")
	// ErrBacklog means the peer stopped draining frames.
	ErrBacklog = errors.New("link: send backlog exceeded")
)

// Handler receives decoded frames on the link's reader goroutine.
type Handler interface {
	HandleFrame(f frame.Frame)
	// HandleViolation is called for a well-formed frame that broke a
	// per-session rule. The stream is still in sync.
	HandleViolation(err *frame.ProtocolError)
}

// Config tunes a Link. Zero fields take defaults.
type Config struct {
	MaxPayload   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	// MaxBatch caps the bytes coalesced into one websocket message.
	MaxBatch int
	// MaxBacklog caps queued, unwritten bytes before the link is failed.
	MaxBacklog int
	Metrics    *core.Counters
	Log        *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.MaxPayload <= 0 {
		c.MaxPayload = frame.DefaultMaxPayload
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256 << 10
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 64 << 20
	}
	if c.Metrics == nil {
		c.Metrics = &core.Counters{}
	}
	if c.Log == nil {
		c.Log = logging.Named("link")
	}
}

// Link is one transport connection carrying frames for many sessions.
type Link struct {
	id  string
	ws  *websocket.Conn
	cfg Config
	log *logrus.Entry

	reader *frame.Reader

	mu      sync.Mutex
	queue   [][]byte
	queued  int
	writing bool
	forget  []uint32
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// New wraps an established websocket connection.
func New(ws *websocket.Conn, cfg Config) *Link {
	cfg.setDefaults()
	l := &Link{
		id:   uuid.NewString(),
		ws:   ws,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.log = cfg.Log.WithField("link", l.id)
	l.reader = frame.NewReader(&wsStream{l: l}, cfg.MaxPayload)
	return l
}

func (l *Link) ID() string { return l.id }

func (l *Link) Log() *logrus.Entry { return l.log }

// Done is closed once the link is down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns why the link went down, or nil while it is up.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Send queues f for transmission. Frames are written in Send order.
func (l *Link) Send(f frame.Frame) error {
	b := frame.Encode(f)
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return l.err
	default:
	}
	if l.queued+len(b) > l.cfg.MaxBacklog {
		l.mu.Unlock()
		l.Close(ErrBacklog)
		return ErrBacklog
	}
	l.queue = append(l.queue, b)
	l.queued += len(b)
	l.mu.Unlock()

	l.cfg.Metrics.FrameSent(len(f.Payload))
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Forget releases decoder state for an ended session.
func (l *Link) Forget(id uint32) {
	l.mu.Lock()
	l.forget = append(l.forget, id)
	l.mu.Unlock()
}

// Serve runs the link until it fails or is closed and returns the cause.
// Frames are delivered to h on the calling goroutine.
func (l *Link) Serve(h Handler) error {
	readTimeout := 3 * l.cfg.PingInterval
	_ = l.ws.SetReadDeadline(time.Now().Add(readTimeout))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.writeLoop() }()
	go func() { defer wg.Done(); l.pingLoop() }()

	for {
		l.applyForget()
		f, err := l.reader.ReadFrame()
		if err != nil {
			var perr *frame.ProtocolError
			if errors.As(err, &perr) && !perr.Fatal {
				l.cfg.Metrics.ProtocolErrors.Add(1)
				h.HandleViolation(perr)
				continue
			}
			if errors.As(err, &perr) {
				l.cfg.Metrics.ProtocolErrors.Add(1)
			}
			l.Close(err)
			break
		}
		l.cfg.Metrics.FrameReceived(len(f.Payload))
		h.HandleFrame(f)
	}
	wg.Wait()
	return l.err
}

// Close tears the link down. The first call decides the reported cause.
func (l *Link) Close(cause error) {
	l.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		l.mu.Lock()
		l.err = cause
		close(l.done)
		l.queue, l.queued = nil, 0
		l.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if !errors.Is(cause, ErrClosed) {
			msg = websocket.FormatCloseMessage(websocket.CloseProtocolError, truncate(cause.Error(), 120))
		}
		_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = l.ws.Close()
		if errors.Is(cause, ErrClosed) || isNormalClose(cause) {
			l.log.Debugf("link closed: %v", cause)
		} else {
			l.log.Warnf("link failed: %v", cause)
		}
	})
}

// Flush waits until every queued frame has been handed to the socket.
func (l *Link) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		idle := len(l.queue) == 0 && !l.writing
		l.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-l.done:
			return l.err
		case <-time.After(2 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("link: flush timed out with frames queued")
		}
	}
}

func (l *Link) applyForget() {
	l.mu.Lock()
	ids := l.forget
	l.forget = nil
	l.mu.Unlock()
	for _, id := range ids {
		l.reader.Decoder().Forget(id)
	}
}

// take pops up to MaxBatch bytes of frames, always at least one.
func (l *Link) take() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		l.writing = false
		return nil
	}
	n, size := 0, 0
	for n < len(l.queue) && (n == 0 || size+len(l.queue[n]) <= l.cfg.MaxBatch) {
		size += len(l.queue[n])
		n++
	}
	batch := l.queue[:n:n]
	l.queue = l.queue[n:]
	l.queued -= size
	l.writing = true
	return batch
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.wake:
		case <-l.done:
			return
		}
		for {
			batch := l.take()
			if batch == nil {
				break
			}
			if err := l.writeBatch(batch); err != nil {
				l.Close(fmt.Errorf("link write: %w", err))
				return
			}
		}
	}
}

func (l *Link) writeBatch(batch [][]byte) error {
	_ = l.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	w, err := l.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	for _, b := range batch {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return w.Close()
}

func (l *Link) pingLoop() {
	t := time.NewTicker(l.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.cfg.WriteTimeout)); err != nil {
				l.Close(fmt.Errorf("link ping: %w", err))
				return
			}
		case <-l.done:
			return
		}
	}
}

// wsStream presents the websocket's binary messages as one byte stream.
type wsStream struct {
	l *Link
	r io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.l.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			_ = s.l.ws.SetReadDeadline(time.Now().Add(3 * s.l.cfg.PingInterval))
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
