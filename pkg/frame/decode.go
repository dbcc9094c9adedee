package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNeedMoreData is returned by Decode when buf does not hold a complete frame.
var ErrNeedMoreData = errors.New("frame: need more data")

// ProtocolError describes input that violates the wire format.
//
// Fatal errors leave the stream unsynchronized and must tear down the
// transport. Non-fatal errors were raised on a complete, well-formed frame
// and only affect SessionID.
type ProtocolError struct {
	SessionID uint32
	Type      Type
	Fatal     bool
	Msg       string
}

func (e *ProtocolError) Error() string {
	if e.Fatal {
		return "frame: protocol error: " + e.Msg
	}
	return fmt.Sprintf("frame: protocol error on session %d: %s", e.SessionID, e.Msg)
}

// forgetDepth bounds how many ended sessions the decoder remembers so that
// late DATA for them is not tracked again.
const forgetDepth = 1024

// Decoder parses frames and tracks the last DATA sequence seen per session.
// It is not safe for concurrent use.
type Decoder struct {
	maxPayload int
	lastSeq    map[uint32]uint64

	forgotten map[uint32]struct{}
	forgetLog []uint32
}

// NewDecoder returns a decoder rejecting payloads above maxPayload bytes.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{
		maxPayload: maxPayload,
		lastSeq:    make(map[uint32]uint64),
		forgotten:  make(map[uint32]struct{}),
	}
}

// MaxPayload returns the configured payload bound.
func (d *Decoder) MaxPayload() int { return d.maxPayload }

// Decode parses the frame at the start of buf.
//
// On success it returns the frame and the number of bytes it occupied; the
// payload aliases buf. If buf holds only part of a frame it returns
// ErrNeedMoreData and consumes nothing. A *ProtocolError that is not Fatal
// still reports the consumed length so the caller can skip the frame, and
// its frame payload aliases buf as well.
func (d *Decoder) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 1 {
		return Frame{}, 0, ErrNeedMoreData
	}
	t := Type(buf[0])
	if !t.Valid() {
		return Frame{}, 0, &ProtocolError{Type: t, Fatal: true, Msg: fmt.Sprintf("invalid frame type 0x%02x", buf[0])}
	}
	hdr := HeaderLen
	if t == TypeData {
		hdr = DataHeaderLen
	}
	if len(buf) < hdr {
		return Frame{}, 0, ErrNeedMoreData
	}

	f := Frame{Type: t, SessionID: binary.BigEndian.Uint32(buf[1:5])}
	off := 5
	if t == TypeData {
		f.Sequence = binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
	}
	plen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if uint64(plen) > uint64(d.maxPayload) {
		return Frame{}, 0, &ProtocolError{SessionID: f.SessionID, Type: t, Fatal: true,
			Msg: fmt.Sprintf("payload length %d exceeds maximum %d", plen, d.maxPayload)}
	}
	end := off + int(plen)
	if len(buf) < end {
		return Frame{}, 0, ErrNeedMoreData
	}
	f.Payload = buf[off:end:end]

	switch t {
	case TypeOpen, TypeOpenAck:
		d.unforget(f.SessionID)
	case TypeData:
		if _, gone := d.forgotten[f.SessionID]; gone {
			break
		}
		if last, ok := d.lastSeq[f.SessionID]; ok && f.Sequence <= last {
			return f, end, &ProtocolError{SessionID: f.SessionID, Type: t,
				Msg: fmt.Sprintf("sequence went backward: %d after %d", f.Sequence, last)}
		}
		d.lastSeq[f.SessionID] = f.Sequence
	}
	return f, end, nil
}

// Forget drops sequence tracking for a session that has ended. DATA that
// still arrives for id is passed through untracked until a new OPEN or
// OPEN_ACK names it again.
func (d *Decoder) Forget(id uint32) {
	delete(d.lastSeq, id)
	if _, ok := d.forgotten[id]; ok {
		return
	}
	if len(d.forgetLog) == forgetDepth {
		delete(d.forgotten, d.forgetLog[0])
		d.forgetLog = append(d.forgetLog[:0], d.forgetLog[1:]...)
	}
	d.forgotten[id] = struct{}{}
	d.forgetLog = append(d.forgetLog, id)
}

func (d *Decoder) unforget(id uint32) {
	if _, ok := d.forgotten[id]; !ok {
		return
	}
	delete(d.forgotten, id)
	for i, v := range d.forgetLog {
		if v == id {
			d.forgetLog = append(d.forgetLog[:i], d.forgetLog[i+1:]...)
			break
		}
	}
}

// Tracked reports how many sessions currently have sequence state.
func (d *Decoder) Tracked() int { return len(d.lastSeq) }

const readChunk = 32 << 10

// Reader decodes a stream of frames from an io.Reader.
type Reader struct {
	src        io.Reader
	dec        *Decoder
	buf        []byte
	start, end int
}

// NewReader wraps src with a decoder bounded by maxPayload.
func NewReader(src io.Reader, maxPayload int) *Reader {
	return &Reader{src: src, dec: NewDecoder(maxPayload), buf: make([]byte, readChunk)}
}

// Decoder exposes the underlying decoder so callers can Forget sessions.
func (r *Reader) Decoder() *Decoder { return r.dec }

// ReadFrame returns the next frame. The returned payload is owned by the caller.
// A non-fatal *ProtocolError is returned with the offending frame already skipped.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		if r.end > r.start {
			f, n, err := r.dec.Decode(r.buf[r.start:r.end])
			if err == nil {
				f.Payload = clonePayload(f.Payload)
				r.start += n
				return f, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				f.Payload = clonePayload(f.Payload)
				r.start += n
				return f, err
			}
		}
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && r.end > r.start {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

func (r *Reader) fill() error {
	if r.start > 0 {
		r.end = copy(r.buf, r.buf[r.start:r.end])
		r.start = 0
	}
	if r.end == len(r.buf) {
		limit := DataHeaderLen + r.dec.maxPayload
		if len(r.buf) >= limit {
			// Decode would already have reported an oversized frame.
			return &ProtocolError{Fatal: true, Msg: "frame buffer overflow"}
		}
		size := 2 * len(r.buf)
		if size > limit {
			size = limit
		}
		nb := make([]byte, size)
		copy(nb, r.buf[:r.end])
		r.buf = nb
	}
	n, err := r.src.Read(r.buf[r.end:])
	r.end += n
	if n > 0 {
		return nil
	}
	return err
}

func clonePayload(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	return append([]byte(nil), p...)
}
