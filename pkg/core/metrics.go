package core

import "sync/atomic"

// Counters is the live, concurrently updated form of TunnelMetrics. A zero
// value is ready to use.
type Counters struct {
	LinksOpened      atomic.Uint64
	LinksClosed      atomic.Uint64
	SessionsOpened   atomic.Uint64
	SessionsClosed   atomic.Uint64
	SessionsFailed   atomic.Uint64
	SessionsRejected atomic.Uint64
	FramesSent       atomic.Uint64
	FramesReceived   atomic.Uint64
	BytesSent        atomic.Uint64
	BytesReceived    atomic.Uint64
	ProtocolErrors   atomic.Uint64
	DroppedFrames    atomic.Uint64
}

func (c *Counters) FrameSent(payload int) {
	c.FramesSent.Add(1)
	c.BytesSent.Add(uint64(payload))
}

func (c *Counters) FrameReceived(payload int) {
	c.FramesReceived.Add(1)
	c.BytesReceived.Add(uint64(payload))
}

// Snapshot returns a consistent-enough copy for reporting.
func (c *Counters) Snapshot() TunnelMetrics {
	if c == nil {
		return TunnelMetrics{}
	}
	return TunnelMetrics{
		LinksOpened:      c.LinksOpened.Load(),
		LinksClosed:      c.LinksClosed.Load(),
		SessionsOpened:   c.SessionsOpened.Load(),
		SessionsClosed:   c.SessionsClosed.Load(),
		SessionsFailed:   c.SessionsFailed.Load(),
		SessionsRejected: c.SessionsRejected.Load(),
		FramesSent:       c.FramesSent.Load(),
		FramesReceived:   c.FramesReceived.Load(),
		BytesSent:        c.BytesSent.Load(),
		BytesReceived:    c.BytesReceived.Load(),
		ProtocolErrors:   c.ProtocolErrors.Load(),
		DroppedFrames:    c.DroppedFrames.Load(),
	}
}

// TunnelMetrics is a point-in-time copy of Counters.
type TunnelMetrics struct {
	// LinksOpened counts transport connections established.
	LinksOpened uint64

	// LinksClosed counts transport connections torn down.
	LinksClosed uint64

	// SessionsOpened counts sessions that reached ESTABLISHED.
	SessionsOpened uint64

	// SessionsClosed counts sessions that reached CLOSED.
	SessionsClosed uint64

	// SessionsFailed counts sessions that reached FAILED.
	SessionsFailed uint64

	// SessionsRejected counts OPEN requests answered with ERROR.
	SessionsRejected uint64

	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64

	// ProtocolErrors counts malformed or out-of-order input.
	ProtocolErrors uint64

	// DroppedFrames counts frames for sessions that no longer exist.
	DroppedFrames uint64
}

// Map flattens a snapshot for text and JSON reporting.
func (m TunnelMetrics) Map() map[string]uint64 {
	return map[string]uint64{
		"links_opened":      m.LinksOpened,
		"links_closed":      m.LinksClosed,
		"sessions_opened":   m.SessionsOpened,
		"sessions_closed":   m.SessionsClosed,
		"sessions_failed":   m.SessionsFailed,
		"sessions_rejected": m.SessionsRejected,
		"frames_sent":       m.FramesSent,
		"frames_recv":       m.FramesReceived,
		"bytes_sent":        m.BytesSent,
		"bytes_recv":        m.BytesReceived,
		"protocol_errors":   m.ProtocolErrors,
		"dropped_frames":    m.DroppedFrames,
	}
}
