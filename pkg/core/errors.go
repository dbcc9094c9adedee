package core

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/irctrakz/kafkatunnel/pkg/frame"
)

// Kind classifies tunnel failures.
type Kind int

const (
	// ConnectFailure covers unreachable targets, allow-list rejection and
	// handshake failures. Callers see it the way they would see a failed
	// direct connect.
	ConnectFailure Kind = iota + 1
	// ProtocolViolation is fatal to the affected session only.
	ProtocolViolation
	// TransportFailure fails every session carried by the lost transport.
	TransportFailure
	// Timeout covers connect, idle and drain timeouts of a single session.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConnectFailure:
		return "connect failure"
	case ProtocolViolation:
		return "protocol violation"
	case TransportFailure:
		return "transport failure"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrConnectionReset is the base cause for sessions torn down mid-stream.
var ErrConnectionReset = errors.New("connection reset by tunnel")

// TunnelError is the error surfaced to tunnel users.
//
// It unwraps to the errno a plain TCP socket would report for the same
// situation so errors.Is(err, syscall.ECONNREFUSED) and friends keep working.
type TunnelError struct {
	Kind      Kind
	SessionID uint32
	Target    string
	Reason    frame.Reason
	Msg       string
	Err       error
}

func (e *TunnelError) Error() string {
	s := "tunnel " + e.Kind.String()
	if e.Target != "" {
		s += " (" + e.Target + ")"
	}
	if e.Reason != frame.ReasonUnknown {
		s += ": " + e.Reason.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the underlying cause and the matching socket errno.
func (e *TunnelError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if base := e.socketError(); base != nil {
		errs = append(errs, base)
	}
	return errs
}

func (e *TunnelError) socketError() error {
	switch e.Reason {
	case frame.ReasonNotAllowed, frame.ReasonConnectionRefused:
		return syscall.ECONNREFUSED
	case frame.ReasonNameResolution:
		host, _, err := net.SplitHostPort(e.Target)
		if err != nil {
			host = e.Target
		}
		return &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	case frame.ReasonConnectTimeout, frame.ReasonIdleTimeout:
		return syscall.ETIMEDOUT
	}
	switch e.Kind {
	case ConnectFailure:
		return syscall.ECONNREFUSED
	case Timeout:
		return syscall.ETIMEDOUT
	default:
		return syscall.ECONNRESET
	}
}

// Timeout reports whether the error is a timeout, satisfying net.Error.
func (e *TunnelError) Timeout() bool {
	return e.Kind == Timeout || e.Reason == frame.ReasonConnectTimeout || e.Reason == frame.ReasonIdleTimeout
}

// Temporary is part of net.Error; tunnel failures are never retried in place.
func (e *TunnelError) Temporary() bool { return false }

// IsKind reports whether err carries a TunnelError of kind k.
func IsKind(err error, k Kind) bool {
	var te *TunnelError
	return errors.As(err, &te) && te.Kind == k
}

// ReasonError maps an ERROR frame received for a session to the error its owner sees.
func ReasonError(id uint32, target string, opening bool, reason frame.Reason, msg string) *TunnelError {
	kind := ProtocolViolation
	switch {
	case reason == frame.ReasonIdleTimeout:
		kind = Timeout
	case opening:
		kind = ConnectFailure
	case reason == frame.ReasonBrokerFailure, reason == frame.ReasonShutdown:
		kind = TransportFailure
	}
	return &TunnelError{Kind: kind, SessionID: id, Target: target, Reason: reason, Msg: msg}
}
