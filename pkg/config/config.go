// Package config provides configuration handling for the tunnel client and gateway.
package config

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/allowlist"
	"github.com/irctrakz/kafkatunnel/pkg/gateway"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/irctrakz/kafkatunnel/pkg/session"
	"github.com/irctrakz/kafkatunnel/pkg/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of both ends.
type Config struct {
	// Client configures the tunnel client embedded in a Kafka client process.
	Client ClientConfig `json:"client" yaml:"client"`

	// Gateway configures the gateway.
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ClientConfig describes how the client reaches the gateway and which
// targets it tunnels.
type ClientConfig struct {
	// Endpoint is the gateway URL or host:port.
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	TLS        bool              `json:"tls" yaml:"tls"`
	Insecure   bool              `json:"insecure" yaml:"insecure"`
	CAFile     string            `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	ServerName string            `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Targets lists host:port patterns routed through the tunnel. Anything
	// else connects directly.
	Targets []string `json:"targets" yaml:"targets"`

	HandshakeTimeout Duration `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	PingInterval     Duration `json:"pingInterval" yaml:"pingInterval"`
	ConnectTimeout   Duration `json:"connectTimeout" yaml:"connectTimeout"`
	IdleTimeout      Duration `json:"idleTimeout" yaml:"idleTimeout"`
	DrainTimeout     Duration `json:"drainTimeout" yaml:"drainTimeout"`
	ReconnectMin     Duration `json:"reconnectMin" yaml:"reconnectMin"`
	ReconnectMax     Duration `json:"reconnectMax" yaml:"reconnectMax"`
	MaxPayload       int      `json:"maxPayload" yaml:"maxPayload"`
}

// GatewayConfig holds the gateway settings.
type GatewayConfig struct {
	Listen  string `json:"listen" yaml:"listen"`
	Path    string `json:"path" yaml:"path"`
	TLSCert string `json:"tlsCert,omitempty" yaml:"tlsCert,omitempty"`
	TLSKey  string `json:"tlsKey,omitempty" yaml:"tlsKey,omitempty"`

	// Allow lists the host:port patterns sessions may reach.
	Allow []string `json:"allow" yaml:"allow"`

	DialTimeout  Duration `json:"dialTimeout" yaml:"dialTimeout"`
	KeepAlive    Duration `json:"keepAlive" yaml:"keepAlive"`
	IdleTimeout  Duration `json:"idleTimeout" yaml:"idleTimeout"`
	Linger       Duration `json:"linger" yaml:"linger"`
	PingInterval Duration `json:"pingInterval" yaml:"pingInterval"`

	MaxPayload              int `json:"maxPayload" yaml:"maxPayload"`
	MaxTransports           int `json:"maxTransports" yaml:"maxTransports"`
	MaxSessionsPerTransport int `json:"maxSessionsPerTransport" yaml:"maxSessionsPerTransport"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	tc := transport.DefaultConfig("")
	gc := gateway.DefaultConfig()
	return &Config{
		Client: ClientConfig{
			HandshakeTimeout: Duration(tc.HandshakeTimeout),
			PingInterval:     Duration(tc.PingInterval),
			ConnectTimeout:   Duration(tc.Timeouts.Connect),
			IdleTimeout:      Duration(tc.Timeouts.Idle),
			DrainTimeout:     Duration(tc.Timeouts.Drain),
			ReconnectMin:     Duration(tc.ReconnectMin),
			ReconnectMax:     Duration(tc.ReconnectMax),
			MaxPayload:       tc.MaxPayload,
		},
		Gateway: GatewayConfig{
			Listen:                  gc.Listen,
			Path:                    gc.Path,
			DialTimeout:             Duration(gc.DialTimeout),
			KeepAlive:               Duration(gc.KeepAlive),
			IdleTimeout:             Duration(gc.IdleTimeout),
			Linger:                  Duration(gc.Linger),
			PingInterval:            Duration(gc.PingInterval),
			MaxPayload:              gc.MaxPayload,
			MaxSessionsPerTransport: gc.MaxSessionsPerTransport,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// LoadFromEnv overrides config with environment variables. Malformed
// numbers and booleans are ignored.
func LoadFromEnv(config *Config) {
	// Client config
	if val := os.Getenv("KAFKA_HTTP_TUNNEL_ENDPOINT"); val != "" {
		config.Client.Endpoint = val
	}
	if val := os.Getenv("KAFKA_HTTP_TUNNEL_TLS"); val != "" {
		config.Client.TLS = truthy(val)
	}
	if val := os.Getenv("KAFKA_HTTP_TUNNEL_INSECURE"); val != "" {
		config.Client.Insecure = truthy(val)
	}
	if val := os.Getenv("KAFKA_HTTP_TUNNEL_CA_FILE"); val != "" {
		config.Client.CAFile = val
	}
	if val := os.Getenv("KAFKA_HTTP_TUNNEL_TARGETS"); val != "" {
		config.Client.Targets = splitList(val)
	}
	if val := os.Getenv("KAFKA_HTTP_TUNNEL_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Client.ConnectTimeout = Duration(d)
		}
	}

	// Gateway config
	if val := os.Getenv("GATEWAY_LISTEN"); val != "" {
		config.Gateway.Listen = val
	}
	if val := os.Getenv("GATEWAY_ALLOW"); val != "" {
		config.Gateway.Allow = splitList(val)
	}
	if val := os.Getenv("GATEWAY_TLS_CERT"); val != "" {
		config.Gateway.TLSCert = val
	}
	if val := os.Getenv("GATEWAY_TLS_KEY"); val != "" {
		config.Gateway.TLSKey = val
	}
	if val := os.Getenv("GATEWAY_MAX_TRANSPORTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Gateway.MaxTransports = n
		}
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

func truthy(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' })
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Client.Endpoint != "" {
		tc := c.Client.Transport()
		if _, err := tc.URL(); err != nil {
			return fmt.Errorf("invalid client endpoint: %w", err)
		}
	}
	if _, err := allowlist.Compile(c.Client.Targets); err != nil {
		return fmt.Errorf("invalid client targets: %w", err)
	}
	if c.Client.ReconnectMax > 0 && c.Client.ReconnectMin > c.Client.ReconnectMax {
		return fmt.Errorf("client reconnectMin %s exceeds reconnectMax %s", c.Client.ReconnectMin, c.Client.ReconnectMax)
	}

	if _, err := allowlist.Compile(c.Gateway.Allow); err != nil {
		return fmt.Errorf("invalid gateway allow list: %w", err)
	}
	if (c.Gateway.TLSCert == "") != (c.Gateway.TLSKey == "") {
		return fmt.Errorf("gateway tlsCert and tlsKey must be set together")
	}
	if c.Gateway.Path != "" && !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("invalid gateway path: %s", c.Gateway.Path)
	}
	if c.Gateway.MaxTransports < 0 || c.Gateway.MaxSessionsPerTransport < 0 {
		return fmt.Errorf("gateway limits cannot be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if c.Logging.Format == "json" {
		logging.SetFormatter(&logrus.JSONFormatter{})
	}

	if c.Logging.File != "" {
		dir, file := filepath.Split(c.Logging.File)
		if dir == "" {
			dir = "."
		}
		err := logging.EnableFileLogging(dir, file, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}

// SaveToFile saves the configuration to a .json, .yaml or .yml file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Transport converts the client section to a transport config.
func (c ClientConfig) Transport() transport.Config {
	tc := transport.Config{
		Endpoint:           c.Endpoint,
		TLS:                c.TLS,
		CAFile:             c.CAFile,
		InsecureSkipVerify: c.Insecure,
		ServerName:         c.ServerName,
		HandshakeTimeout:   c.HandshakeTimeout.Std(),
		PingInterval:       c.PingInterval.Std(),
		Timeouts: session.Timeouts{
			Connect: c.ConnectTimeout.Std(),
			Idle:    c.IdleTimeout.Std(),
			Drain:   c.DrainTimeout.Std(),
		},
		MaxPayload:   c.MaxPayload,
		ReconnectMin: c.ReconnectMin.Std(),
		ReconnectMax: c.ReconnectMax.Std(),
	}
	if len(c.Headers) > 0 {
		tc.Header = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			tc.Header.Set(k, v)
		}
	}
	return tc
}

// Predicate compiles Targets into a routing predicate. It returns nil when
// no targets are configured, which tunnels nothing.
func (c ClientConfig) Predicate() (func(host string, port int) bool, error) {
	if len(c.Targets) == 0 {
		return nil, nil
	}
	l, err := allowlist.Compile(c.Targets)
	if err != nil {
		return nil, err
	}
	return l.Match, nil
}

// Gateway converts the gateway section to a gateway config.
func (g GatewayConfig) Gateway() gateway.Config {
	return gateway.Config{
		Listen:                  g.Listen,
		Path:                    g.Path,
		TLSCertFile:             g.TLSCert,
		TLSKeyFile:              g.TLSKey,
		Allow:                   append([]string(nil), g.Allow...),
		DialTimeout:             g.DialTimeout.Std(),
		KeepAlive:               g.KeepAlive.Std(),
		IdleTimeout:             g.IdleTimeout.Std(),
		Linger:                  g.Linger.Std(),
		PingInterval:            g.PingInterval.Std(),
		MaxPayload:              g.MaxPayload,
		MaxTransports:           g.MaxTransports,
		MaxSessionsPerTransport: g.MaxSessionsPerTransport,
	}
}
