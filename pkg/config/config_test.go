package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, ":8080", c.Gateway.Listen)
	assert.Equal(t, "/proxy", c.Gateway.Path)
	assert.Equal(t, 30*time.Second, c.Client.ConnectTimeout.Std())
	assert.Equal(t, "info", c.Logging.Level)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  endpoint: https://gateway.example.com
  targets: ["broker-*:9092", "10.1.0.0/16:*"]
  connectTimeout: 5s
  idleTimeout: 90
gateway:
  listen: ":9443"
  allow: ["broker-*:9092"]
  linger: 1m
logging:
  level: debug
`), 0o600))

	c := DefaultConfig()
	require.NoError(t, LoadFromFile(path, c))
	require.NoError(t, c.Validate())
	assert.Equal(t, "https://gateway.example.com", c.Client.Endpoint)
	assert.Equal(t, 5*time.Second, c.Client.ConnectTimeout.Std())
	assert.Equal(t, 90*time.Second, c.Client.IdleTimeout.Std())
	assert.Equal(t, time.Minute, c.Gateway.Linger.Std())
	assert.Equal(t, []string{"broker-*:9092"}, c.Gateway.Allow)
	// untouched fields keep their defaults
	assert.Equal(t, 10*time.Second, c.Gateway.DialTimeout.Std())
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client":{"endpoint":"gw:8080","drainTimeout":"250ms","reconnectMax":2.5}}`), 0o600))

	c := DefaultConfig()
	require.NoError(t, LoadFromFile(path, c))
	assert.Equal(t, 250*time.Millisecond, c.Client.DrainTimeout.Std())
	assert.Equal(t, 2500*time.Millisecond, c.Client.ReconnectMax.Std())
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfig()
	assert.Error(t, LoadFromFile(filepath.Join(dir, "missing.yaml"), c))

	txt := filepath.Join(dir, "tunnel.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	assert.Error(t, LoadFromFile(txt, c))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("client:\n  connectTimeout: soon\n"), 0o600))
	assert.Error(t, LoadFromFile(bad, c))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAFKA_HTTP_TUNNEL_ENDPOINT", "gateway:8443")
	t.Setenv("KAFKA_HTTP_TUNNEL_TLS", "true")
	t.Setenv("KAFKA_HTTP_TUNNEL_INSECURE", "1")
	t.Setenv("KAFKA_HTTP_TUNNEL_TARGETS", "broker:9092, broker-2:9092")
	t.Setenv("KAFKA_HTTP_TUNNEL_CONNECT_TIMEOUT", "3s")
	t.Setenv("GATEWAY_LISTEN", ":9000")
	t.Setenv("GATEWAY_ALLOW", "broker:9092")
	t.Setenv("GATEWAY_MAX_TRANSPORTS", "notanumber")
	t.Setenv("LOGGING_LEVEL", "warn")
	t.Setenv("LOGGING_MAX_SIZE", "50")

	c := DefaultConfig()
	LoadFromEnv(c)
	assert.Equal(t, "gateway:8443", c.Client.Endpoint)
	assert.True(t, c.Client.TLS)
	assert.True(t, c.Client.Insecure)
	assert.Equal(t, []string{"broker:9092", "broker-2:9092"}, c.Client.Targets)
	assert.Equal(t, 3*time.Second, c.Client.ConnectTimeout.Std())
	assert.Equal(t, ":9000", c.Gateway.Listen)
	assert.Equal(t, []string{"broker:9092"}, c.Gateway.Allow)
	assert.Zero(t, c.Gateway.MaxTransports)
	assert.Equal(t, "warn", c.Logging.Level)
	assert.Equal(t, 50, c.Logging.MaxSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad endpoint", func(c *Config) { c.Client.Endpoint = "ftp://gateway" }},
		{"bad target", func(c *Config) { c.Client.Targets = []string{"broker"} }},
		{"bad allow", func(c *Config) { c.Gateway.Allow = []string{"10.0.0.0/33:9092"} }},
		{"cert without key", func(c *Config) { c.Gateway.TLSCert = "cert.pem" }},
		{"relative path", func(c *Config) { c.Gateway.Path = "proxy" }},
		{"negative limit", func(c *Config) { c.Gateway.MaxTransports = -1 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"reconnect bounds", func(c *Config) { c.Client.ReconnectMin = Duration(time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConverters(t *testing.T) {
	c := DefaultConfig()
	c.Client.Endpoint = "gateway:8080"
	c.Client.Headers = map[string]string{"authorization": "Bearer abc"}
	c.Client.ConnectTimeout = Duration(2 * time.Second)
	tc := c.Client.Transport()
	assert.Equal(t, "gateway:8080", tc.Endpoint)
	assert.Equal(t, 2*time.Second, tc.Timeouts.Connect)
	assert.Equal(t, "Bearer abc", tc.Header.Get("Authorization"))
	u, err := tc.URL()
	require.NoError(t, err)
	assert.Equal(t, "ws://gateway:8080/proxy", u)

	pred, err := c.Client.Predicate()
	require.NoError(t, err)
	assert.Nil(t, pred, "no targets tunnels nothing")

	c.Client.Targets = []string{"broker-*:9092"}
	pred, err = c.Client.Predicate()
	require.NoError(t, err)
	assert.True(t, pred("broker-1", 9092))
	assert.False(t, pred("broker-1", 9093))
	assert.False(t, pred("zookeeper", 9092))

	c.Gateway.Allow = []string{"broker:9092"}
	c.Gateway.TLSCert, c.Gateway.TLSKey = "cert.pem", "key.pem"
	gc := c.Gateway.Gateway()
	assert.Equal(t, []string{"broker:9092"}, gc.Allow)
	assert.Equal(t, "cert.pem", gc.TLSCertFile)
	assert.Equal(t, 30*time.Second, gc.Linger)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfig()
	c.Client.Endpoint = "wss://gateway"
	c.Client.Targets = []string{"*:9092"}
	c.Gateway.Allow = []string{"broker:9092"}

	for _, name := range []string{"nested/tunnel.yaml", "tunnel.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, c.SaveToFile(path))
		got := DefaultConfig()
		require.NoError(t, LoadFromFile(path, got))
		assert.Equal(t, c, got, name)
	}
	assert.Error(t, c.SaveToFile(filepath.Join(dir, "tunnel.ini")))
}

func TestDurationEncoding(t *testing.T) {
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))

	out, err := yaml.Marshal(map[string]Duration{"d": Duration(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m0s\n", string(out))

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, yaml.Unmarshal([]byte("[1]"), &d))
}
