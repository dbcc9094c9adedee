package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowed(t *testing.T) {
	l, err := Compile([]string{"broker:*", "*.kafka.svc:9092", "10.1.0.0/16:9092-9094", "[::1]:9092"})
	require.NoError(t, err)
	assert.Equal(t, 4, l.Len())

	cases := []struct {
		host string
		port int
		want bool
	}{
		{"broker", 9092, true},
		{"BROKER", 1, true},
		{"broker2", 9092, false},
		{"b-0.kafka.svc", 9092, true},
		{"b-0.kafka.svc", 9093, false},
		{"10.1.2.3", 9093, true},
		{"10.1.2.3", 9095, false},
		{"10.2.0.1", 9092, false},
		{"::1", 9092, true},
		{"evil.example", 443, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, l.Allowed(tc.host, tc.port), "%s:%d", tc.host, tc.port)
	}

	assert.True(t, l.AllowedAddr("broker:9092"))
	assert.False(t, l.AllowedAddr("broker"))
}

func TestWildcardAndEmpty(t *testing.T) {
	assert.True(t, MustCompile("*").Allowed("anything", 1))

	var empty List
	assert.False(t, empty.Allowed("broker", 9092))
	var nilList *List
	assert.False(t, nilList.Match("broker", 9092))
}

func TestCompileErrors(t *testing.T) {
	for _, p := range []string{"broker", "broker:", ":9092", "broker:abc", "broker:9-1", "10.0.0.0/99:1"} {
		_, err := Compile([]string{p})
		assert.Error(t, err, p)
	}
}
