// Package gateway terminates tunnel links and relays their sessions to
// brokers over plain TCP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/irctrakz/kafkatunnel/pkg/allowlist"
	"github.com/irctrakz/kafkatunnel/pkg/core"
	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/link"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// DefaultPath is where tunnel links are accepted.
const DefaultPath = "/proxy"

// ErrShutdown is the link close cause while the gateway stops.
var ErrShutdown = errors.New("gateway: shutting down")

// Config holds gateway settings. Zero fields take defaults.
type Config struct {
	Listen string
	Path   string

	TLSCertFile string
	TLSKeyFile  string

	// Allow lists the host:port patterns sessions may connect to. Empty
	// rejects everything.
	Allow []string

	DialTimeout time.Duration
	KeepAlive   time.Duration
	// IdleTimeout fails established sessions without traffic.
	IdleTimeout time.Duration
	// Linger bounds how long a half-closed session waits for the other CLOSE.
	Linger time.Duration

	PingInterval time.Duration
	MaxPayload   int
	// ReadBufferSize is the per-session broker read buffer.
	ReadBufferSize int

	// MaxTransports caps concurrent tunnel connections; 0 is unlimited.
	MaxTransports int
	// MaxSessionsPerTransport caps live sessions on one link; 0 is unlimited.
	MaxSessionsPerTransport int
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Listen:                  ":8080",
		Path:                    DefaultPath,
		DialTimeout:             10 * time.Second,
		KeepAlive:               30 * time.Second,
		IdleTimeout:             10 * time.Minute,
		Linger:                  30 * time.Second,
		PingInterval:            15 * time.Second,
		MaxPayload:              frame.DefaultMaxPayload,
		ReadBufferSize:          32 << 10,
		MaxSessionsPerTransport: 1024,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Linger <= 0 {
		c.Linger = d.Linger
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithDialer replaces the broker dialer.
func WithDialer(d Dialer) Option {
	return func(g *Gateway) { g.dialer = d }
}

// WithRegistry registers the gateway metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) { g.reg = reg }
}

// WithLogger sets the parent log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(g *Gateway) { g.log = l }
}

// Gateway accepts tunnel links and serves their sessions.
type Gateway struct {
	cfg    Config
	allow  *allowlist.List
	dialer Dialer
	up     websocket.Upgrader
	log    *logrus.Entry

	metrics core.Counters
	reg     *prometheus.Registry
	prom    *promMetrics

	mu      sync.Mutex
	tunnels map[*tunnel]struct{}
	srv     *http.Server
	closed  bool
	wg      sync.WaitGroup

	sessions atomic.Int64
	ready    atomic.Bool
}

// New validates cfg and returns a gateway that is not yet serving.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	cfg.setDefaults()
	allow, err := allowlist.Compile(cfg.Allow)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	g := &Gateway{
		cfg:     cfg,
		allow:   allow,
		tunnels: make(map[*tunnel]struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.dialer == nil {
		g.dialer = newDialer(cfg)
	}
	if g.log == nil {
		g.log = logging.Named("gateway")
	}
	if g.reg == nil {
		g.reg = prometheus.NewRegistry()
	}
	g.prom = newPromMetrics(g.reg, g)
	g.up = websocket.Upgrader{
		Subprotocols:    []string{link.Subprotocol},
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	if allow.Len() == 0 {
		g.log.Warnf("allow-list is empty, every OPEN will be rejected")
	}
	g.ready.Store(true)
	return g, nil
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

// Metrics returns a snapshot of the gateway counters.
func (g *Gateway) Metrics() core.TunnelMetrics { return g.metrics.Snapshot() }

// Registry returns the registry holding the gateway metrics.
func (g *Gateway) Registry() *prometheus.Registry { return g.reg }

// SessionCount returns the number of sessions on all links, dialing included.
func (g *Gateway) SessionCount() int { return int(g.sessions.Load()) }

// TransportCount returns the number of live tunnel links.
func (g *Gateway) TransportCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tunnels)
}

// Ready reports whether the gateway accepts new links.
func (g *Gateway) Ready() bool { return g.ready.Load() }

// Handler serves the tunnel path plus /healthz, /readyz and /metrics.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.serveTunnel)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !g.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(g.reg, promhttp.HandlerOpts{}))
	return mux
}

func (g *Gateway) serveTunnel(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !g.Ready() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := g.up.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	t := newTunnel(g, ws)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		t.link.Close(ErrShutdown)
		return
	}
	g.tunnels[t] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.tunnels, t)
		g.mu.Unlock()
		g.wg.Done()
	}()
	t.log.WithField("remote", r.RemoteAddr).Infof("tunnel link accepted")
	t.run()
}

// Serve accepts links on ln until Close. MaxTransports is enforced on ln.
func (g *Gateway) Serve(ln net.Listener) error {
	if g.cfg.MaxTransports > 0 {
		ln = netutil.LimitListener(ln, g.cfg.MaxTransports)
	}
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return http.ErrServerClosed
	}
	g.srv = srv
	g.mu.Unlock()

	g.log.Infof("serving tunnel on %s%s", ln.Addr(), g.cfg.Path)
	var err error
	if g.cfg.TLSCertFile != "" {
		err = srv.ServeTLS(ln, g.cfg.TLSCertFile, g.cfg.TLSKeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on cfg.Listen and serves until ctx is done.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = g.Close() })
	defer stop()
	return g.Serve(ln)
}

// Close stops accepting links, fails every session with SHUTDOWN and waits
// for broker sockets to be released.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.ready.Store(false)
	srv := g.srv
	tunnels := make([]*tunnel, 0, len(g.tunnels))
	for t := range g.tunnels {
		tunnels = append(tunnels, t)
	}
	g.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, t := range tunnels {
		t.shutdown()
	}
	g.wg.Wait()
	g.log.Infof("gateway stopped")
	return err
}
