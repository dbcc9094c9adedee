package gateway

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type promMetrics struct {
	rejected        *prometheus.CounterVec
	dialErrors      *prometheus.CounterVec
	sessionDuration prometheus.Histogram
}

func newPromMetrics(reg *prometheus.Registry, g *Gateway) *promMetrics {
	f := promauto.With(reg)
	counter := func(name, help string, v *atomic.Uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "kafkatunnel",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	m := &g.metrics
	counter("links_opened_total", "Tunnel links accepted.", &m.LinksOpened)
	counter("links_closed_total", "Tunnel links torn down.", &m.LinksClosed)
	counter("sessions_opened_total", "Sessions that reached ESTABLISHED.", &m.SessionsOpened)
	counter("sessions_closed_total", "Sessions closed by both sides.", &m.SessionsClosed)
	counter("sessions_failed_total", "Sessions that failed.", &m.SessionsFailed)
	counter("sessions_rejected_total", "OPEN requests answered with ERROR.", &m.SessionsRejected)
	counter("frames_sent_total", "Frames queued to clients.", &m.FramesSent)
	counter("frames_received_total", "Frames decoded from clients.", &m.FramesReceived)
	counter("bytes_sent_total", "Payload bytes sent to clients.", &m.BytesSent)
	counter("bytes_received_total", "Payload bytes received from clients.", &m.BytesReceived)
	counter("protocol_errors_total", "Malformed or out-of-order frames.", &m.ProtocolErrors)
	counter("dropped_frames_total", "Frames for sessions that no longer exist.", &m.DroppedFrames)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kafkatunnel", Subsystem: "gateway", Name: "transports",
		Help: "Live tunnel links.",
	}, func() float64 { return float64(g.TransportCount()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "kafkatunnel", Subsystem: "gateway", Name: "sessions",
		Help: "Live sessions, dialing included.",
	}, func() float64 { return float64(g.SessionCount()) })

	return &promMetrics{
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkatunnel", Subsystem: "gateway", Name: "open_rejected_total",
			Help: "OPEN requests rejected before dialing, by reason.",
		}, []string{"reason"}),
		dialErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkatunnel", Subsystem: "gateway", Name: "dial_errors_total",
			Help: "Broker dial failures, by reason.",
		}, []string{"reason"}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kafkatunnel", Subsystem: "gateway", Name: "session_duration_seconds",
			Help:    "Session lifetime.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}
