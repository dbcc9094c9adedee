// Package frame implements the tunnel wire format.
//
// Every frame is laid out big endian as
//
//	[1 type][4 session id][8 sequence, DATA only][4 payload length][payload]
//
// and frames follow each other on the transport stream with no other
// delimiter than the length prefix.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of a frame.
type Type uint8

// Frame types.
const (
	TypeOpen Type = iota + 1
	TypeOpenAck
	TypeData
	TypeWindowUpdate
	TypeClose
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "OPEN"
	case TypeOpenAck:
		return "OPEN_ACK"
	case TypeData:
		return "DATA"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypeClose:
		return "CLOSE"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	return t >= TypeOpen && t <= TypeError
}

const (
	// HeaderLen is the size of a non-DATA frame header.
	HeaderLen = 1 + 4 + 4
	// DataHeaderLen is the size of a DATA frame header.
	DataHeaderLen = HeaderLen + 8

	// DefaultMaxPayload bounds the payload a decoder accepts unless configured otherwise.
	DefaultMaxPayload = 1 << 20

	// InitialWindow is the credit every session starts with in each direction.
	InitialWindow = 256 << 10
)

// Frame is one unit of the tunnel protocol.
type Frame struct {
	Type      Type
	SessionID uint32
	// Sequence is only carried by DATA frames.
	Sequence uint64
	Payload  []byte
}

func (f Frame) String() string {
	if f.Type == TypeData {
		return fmt.Sprintf("%s{session=%d seq=%d len=%d}", f.Type, f.SessionID, f.Sequence, len(f.Payload))
	}
	return fmt.Sprintf("%s{session=%d len=%d}", f.Type, f.SessionID, len(f.Payload))
}

// EncodedLen returns the number of bytes f occupies on the wire.
func EncodedLen(f Frame) int {
	if f.Type == TypeData {
		return DataHeaderLen + len(f.Payload)
	}
	return HeaderLen + len(f.Payload)
}

// Encode returns the wire form of f.
func Encode(f Frame) []byte {
	return AppendFrame(make([]byte, 0, EncodedLen(f)), f)
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, f.SessionID)
	if f.Type == TypeData {
		dst = binary.BigEndian.AppendUint64(dst, f.Sequence)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}

// Constructors for the control frames.

func Open(id uint32, target string) Frame {
	return Frame{Type: TypeOpen, SessionID: id, Payload: []byte(target)}
}

func OpenAck(id uint32) Frame {
	return Frame{Type: TypeOpenAck, SessionID: id}
}

func Data(id uint32, seq uint64, p []byte) Frame {
	return Frame{Type: TypeData, SessionID: id, Sequence: seq, Payload: p}
}

func WindowUpdate(id uint32, credit uint32) Frame {
	return Frame{Type: TypeWindowUpdate, SessionID: id, Payload: binary.BigEndian.AppendUint32(nil, credit)}
}

func Close(id uint32) Frame {
	return Frame{Type: TypeClose, SessionID: id}
}

func Error(id uint32, reason Reason, msg string) Frame {
	p := make([]byte, 0, 1+len(msg))
	p = append(p, byte(reason))
	p = append(p, msg...)
	return Frame{Type: TypeError, SessionID: id, Payload: p}
}

// Credit returns the increment carried by a WINDOW_UPDATE frame.
func (f Frame) Credit() (uint32, error) {
	if f.Type != TypeWindowUpdate || len(f.Payload) != 4 {
		return 0, fmt.Errorf("frame: malformed %s payload (%d bytes)", f.Type, len(f.Payload))
	}
	return binary.BigEndian.Uint32(f.Payload), nil
}

// Reason returns the reason code and message carried by an ERROR frame.
func (f Frame) Reason() (Reason, string) {
	if f.Type != TypeError || len(f.Payload) == 0 {
		return ReasonUnknown, ""
	}
	return Reason(f.Payload[0]), string(f.Payload[1:])
}

// Reason is the cause carried by an ERROR frame.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonNotAllowed
	ReasonNameResolution
	ReasonConnectionRefused
	ReasonConnectTimeout
	ReasonProtocolViolation
	ReasonBrokerFailure
	ReasonIdleTimeout
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonNotAllowed:
		return "NOT_ALLOWED"
	case ReasonNameResolution:
		return "NAME_RESOLUTION"
	case ReasonConnectionRefused:
		return "CONNECTION_REFUSED"
	case ReasonConnectTimeout:
		return "CONNECT_TIMEOUT"
	case ReasonProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ReasonBrokerFailure:
		return "BROKER_FAILURE"
	case ReasonIdleTimeout:
		return "IDLE_TIMEOUT"
	case ReasonShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(r))
	}
}
