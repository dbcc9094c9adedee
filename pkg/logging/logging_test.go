package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := logger.Out
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestSetLevel(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(InfoLevel)

	Debugf("Debug message")
	assert.Empty(t, buf.String())
	assert.False(t, IsDebug())

	buf.Reset()
	Infof("Info message")
	assert.Contains(t, buf.String(), "Info message")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"warn":    WarnLevel,
		"error":   ErrorLevel,
	} {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNamedAndFields(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(DebugLevel)
	defer SetLevel(InfoLevel)

	Named("gateway").WithField("session", 7).Info("session opened")
	out := buf.String()
	assert.Contains(t, out, "session opened")
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "session=7")

	buf.Reset()
	WarnWithFields(logrus.Fields{"target": "broker:9092"}, "dropped %d frames", 3)
	assert.Contains(t, buf.String(), "dropped 3 frames")
	assert.Contains(t, buf.String(), "target=\"broker:9092\"")

	buf.Reset()
	ErrorWithFields(logrus.Fields{"listen": ":8080"}, "gateway stopped: %v", "bind failed")
	assert.Contains(t, buf.String(), "level=error")
	assert.Contains(t, buf.String(), "listen=\":8080\"")

	buf.Reset()
	Errorf("metadata: %s", "no brokers")
	assert.Contains(t, buf.String(), "metadata: no brokers")
}

func TestFileLogging(t *testing.T) {
	tempDir := t.TempDir()
	original := logger.Out
	defer logger.SetOutput(original)

	err := EnableFileLogging(tempDir, "tunnel.log", 10, 3, 7)
	assert.NoError(t, err)

	Infof("File log test message")

	content, err := os.ReadFile(filepath.Join(tempDir, "tunnel.log"))
	assert.NoError(t, err)
	assert.Contains(t, string(content), "File log test message")
}

func TestSetFormatter(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(InfoLevel)
	SetFormatter(&logrus.JSONFormatter{})
	defer SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	Infof("JSON formatted message")

	out := buf.String()
	assert.Contains(t, out, "\"level\":\"info\"")
	assert.Contains(t, out, "\"msg\":\"JSON formatted message\"")
}
