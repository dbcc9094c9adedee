package session

import (
	"testing"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/flowcontrol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSession(clk *fakeClock) *Session {
	return newAt(1, "broker", 9092, 1024, clk.now)
}

func TestSessionLifecycle(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := newTestSession(clk)
	assert.Equal(t, "broker:9092", s.Target())
	assert.Equal(t, StateOpening, s.State())

	_, err := s.NextSendSequence()
	assert.ErrorIs(t, err, ErrNotEstablished)
	assert.ErrorIs(t, s.AcceptData(1, 1), ErrNotEstablished)

	require.NoError(t, s.Established())
	assert.ErrorIs(t, s.Established(), ErrNotOpening)

	for want := uint64(1); want <= 3; want++ {
		seq, err := s.NextSendSequence()
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	require.NoError(t, s.AcceptData(1, 10))
	require.NoError(t, s.AcceptData(2, 10))

	st, err := s.CloseSent()
	require.NoError(t, err)
	assert.Equal(t, StateClosing, st)
	_, err = s.NextSendSequence()
	assert.ErrorIs(t, err, ErrLocalClosed)

	// The peer may still send until it closes too.
	require.NoError(t, s.AcceptData(3, 10))

	st, dup := s.CloseReceived()
	assert.False(t, dup)
	assert.Equal(t, StateClosed, st)
	assert.True(t, st.Terminal())
}

func TestSessionSequenceViolation(t *testing.T) {
	s := newTestSession(&fakeClock{t: time.Unix(0, 0)})
	require.NoError(t, s.Established())
	require.NoError(t, s.AcceptData(1, 1))
	assert.ErrorIs(t, s.AcceptData(1, 1), ErrSequence)
	assert.ErrorIs(t, s.AcceptData(3, 1), ErrSequence)
	require.NoError(t, s.AcceptData(2, 1))
}

func TestSessionCreditOverrun(t *testing.T) {
	s := newTestSession(&fakeClock{t: time.Unix(0, 0)})
	require.NoError(t, s.Established())
	require.NoError(t, s.AcceptData(1, 1024))
	assert.ErrorIs(t, s.AcceptData(2, 1), flowcontrol.ErrCreditOverrun)
}

func TestSessionDuplicateCloseIsIdempotent(t *testing.T) {
	s := newTestSession(&fakeClock{t: time.Unix(0, 0)})
	require.NoError(t, s.Established())

	st1, dup := s.CloseReceived()
	assert.False(t, dup)
	st2, dup := s.CloseReceived()
	assert.True(t, dup)
	assert.Equal(t, st1, st2)
	assert.Equal(t, StateClosing, st2)
	assert.ErrorIs(t, s.AcceptData(1, 1), ErrPeerClosed)

	st, err := s.CloseSent()
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st)
	st, err = s.CloseSent()
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, StateClosed, st)
	_, dup = s.CloseReceived()
	assert.True(t, dup)
}

func TestSessionFail(t *testing.T) {
	s := newTestSession(&fakeClock{t: time.Unix(0, 0)})
	assert.True(t, s.Fail(assert.AnError))
	assert.False(t, s.Fail(assert.AnError))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, assert.AnError, s.Err())
	assert.Zero(t, s.Outbound.TryConsume(1))
	assert.False(t, s.ForceClose())
}

func TestSessionTimeouts(t *testing.T) {
	to := Timeouts{Connect: time.Second, Idle: 10 * time.Second, Drain: 2 * time.Second}
	clk := &fakeClock{t: time.Unix(0, 0)}
	s := newTestSession(clk)

	assert.Equal(t, NotExpired, s.Expired(clk.t, to))
	clk.advance(time.Second)
	assert.Equal(t, ConnectExpired, s.Expired(clk.t, to))

	require.NoError(t, s.Established())
	assert.Equal(t, NotExpired, s.Expired(clk.t, to))
	clk.advance(9 * time.Second)
	s.Touch()
	clk.advance(9 * time.Second)
	assert.Equal(t, NotExpired, s.Expired(clk.t, to))
	clk.advance(time.Second)
	assert.Equal(t, IdleExpired, s.Expired(clk.t, to))

	_, err := s.CloseSent()
	require.NoError(t, err)
	clk.advance(time.Second)
	assert.Equal(t, NotExpired, s.Expired(clk.t, to))
	clk.advance(time.Second)
	assert.Equal(t, DrainExpired, s.Expired(clk.t, to))
	assert.True(t, s.ForceClose())
	assert.Equal(t, NotExpired, s.Expired(clk.t, to))
}

func TestTable(t *testing.T) {
	tb := NewTable[string](2)
	require.NoError(t, tb.Insert(1, "a"))
	assert.ErrorIs(t, tb.Insert(1, "again"), ErrDuplicateSession)
	require.NoError(t, tb.Insert(2, "b"))
	assert.Equal(t, 2, tb.Len())

	v, ok := tb.Remove(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = tb.Remove(1)
	assert.False(t, ok)

	// Ended ids cannot come back.
	assert.ErrorIs(t, tb.Insert(1, "a"), ErrDuplicateSession)

	ended, first := tb.Straggler(1)
	assert.True(t, ended)
	assert.True(t, first)
	ended, first = tb.Straggler(1)
	assert.True(t, ended)
	assert.False(t, first)
	ended, _ = tb.Straggler(99)
	assert.False(t, ended)

	require.NoError(t, tb.Insert(3, "c"))
	drained := tb.Drain()
	assert.ElementsMatch(t, []string{"b", "c"}, drained)
	assert.Zero(t, tb.Len())

	// The ring holds two tombstones, so id 1 has been forgotten.
	ended, _ = tb.Straggler(1)
	assert.False(t, ended)
}
