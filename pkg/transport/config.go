package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/frame"
	"github.com/irctrakz/kafkatunnel/pkg/session"
)

// DefaultPath is where the gateway serves the tunnel.
const DefaultPath = "/proxy"

// Config describes how to reach the gateway.
type Config struct {
	// Endpoint is either a URL (ws://, wss://, http://, https://) or host:port.
	Endpoint string
	// TLS forces wss when Endpoint is a bare host:port.
	TLS bool
	// CAFile adds a PEM bundle of trusted roots.
	CAFile string
	// InsecureSkipVerify trusts any gateway certificate.
	InsecureSkipVerify bool
	// ServerName overrides the name used for certificate validation.
	ServerName string
	// TLSConfig, when set, is used as is.
	TLSConfig *tls.Config

	// Header is sent with the websocket handshake, e.g. for authorization.
	Header http.Header
	// Proxy selects an HTTP proxy; nil means http.ProxyFromEnvironment.
	Proxy func(*http.Request) (*url.URL, error)

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Timeouts         session.Timeouts
	MaxPayload       int

	// ReconnectMin and ReconnectMax bound the delay between dial attempts
	// after a transport failure.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultConfig returns a config for endpoint with default timeouts.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:         endpoint,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		Timeouts: session.Timeouts{
			Connect: 30 * time.Second,
			Idle:    10 * time.Minute,
			Drain:   30 * time.Second,
		},
		MaxPayload:   frame.DefaultMaxPayload,
		ReconnectMin: 100 * time.Millisecond,
		ReconnectMax: 10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig(c.Endpoint)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.Proxy == nil {
		c.Proxy = http.ProxyFromEnvironment
	}
}

// URL returns the websocket URL for the configured endpoint.
func (c *Config) URL() (string, error) {
	ep := strings.TrimSpace(c.Endpoint)
	if ep == "" {
		return "", fmt.Errorf("transport: empty tunnel endpoint")
	}
	if !strings.Contains(ep, "://") {
		scheme := "ws"
		if c.TLS {
			scheme = "wss"
		}
		ep = scheme + "://" + ep
	}
	u, err := url.Parse(ep)
	if err != nil {
		return "", fmt.Errorf("transport: bad tunnel endpoint %q: %w", c.Endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
	if c.TLS && u.Scheme == "ws" {
		u.Scheme = "wss"
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: tunnel endpoint %q has no host", c.Endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	return u.String(), nil
}

// tlsConfig builds the client TLS settings.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ServerName:         c.ServerName,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
