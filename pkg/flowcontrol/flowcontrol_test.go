package flowcontrol

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowTryConsume(t *testing.T) {
	w := NewWindow(10)
	assert.Equal(t, 4, w.TryConsume(4))
	assert.Equal(t, 6, w.TryConsume(100))
	assert.Equal(t, 0, w.TryConsume(1))
	require.NoError(t, w.Grant(3))
	assert.Equal(t, 3, w.Available())

	granted, consumed := w.Totals()
	assert.Equal(t, uint64(13), granted)
	assert.Equal(t, uint64(10), consumed)
}

func TestWindowAcquireBlocksUntilGrant(t *testing.T) {
	w := NewWindow(0)
	got := make(chan int, 1)
	go func() {
		n, err := w.Acquire(context.Background(), 1024)
		if err == nil {
			got <- n
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned without credit")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.Grant(512))
	select {
	case n := <-got:
		assert.Equal(t, 512, n)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire not woken by grant")
	}
}

func TestWindowAcquireCancelAndClose(t *testing.T) {
	w := NewWindow(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := w.Acquire(context.Background(), 1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	w.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWindowClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake writer")
	}
	assert.Zero(t, w.TryConsume(1))
}

func TestWindowGrantOverflow(t *testing.T) {
	w := NewWindow(MaxWindow)
	assert.ErrorIs(t, w.Grant(1), ErrGrantOverflow)
	assert.Error(t, w.Grant(-1))
}

func TestLedgerOverrun(t *testing.T) {
	l := NewLedger(100)
	require.NoError(t, l.Receive(60))
	require.NoError(t, l.Receive(40))
	assert.ErrorIs(t, l.Receive(1), ErrCreditOverrun)
}

func TestLedgerReleaseThreshold(t *testing.T) {
	l := NewLedger(100)
	require.NoError(t, l.Receive(100))
	assert.Zero(t, l.Release(30))
	// Released but ungranted bytes still count against the window.
	assert.ErrorIs(t, l.Receive(1), ErrCreditOverrun)
	assert.Equal(t, 50, l.Release(20))
	require.NoError(t, l.Receive(50))
	assert.Zero(t, l.Release(10))
	assert.Equal(t, 10, l.Flush())
	assert.Zero(t, l.Flush())
	assert.Equal(t, 90, l.Outstanding())
}

// The sender never puts more bytes on the wire than the initial window plus
// every WINDOW_UPDATE it received, whatever order reads and grants interleave in.
func TestCreditInvariantRandomInterleaving(t *testing.T) {
	const window = 4096
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		w := NewWindow(window)
		l := NewLedger(window)

		var mu sync.Mutex
		var inFlight []int
		var sent, granted uint64 = 0, window
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(2)

		// writer
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				n, err := w.Acquire(ctx, 1+rng.Intn(700))
				if err != nil {
					return
				}
				mu.Lock()
				sent += uint64(n)
				assert.LessOrEqual(t, sent, granted)
				inFlight = append(inFlight, n)
				mu.Unlock()
			}
		}()

		// receiver
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				mu.Lock()
				var n int
				if len(inFlight) > 0 {
					n = inFlight[0]
					inFlight = inFlight[1:]
				}
				mu.Unlock()
				if n == 0 {
					time.Sleep(time.Microsecond)
					continue
				}
				if err := l.Receive(n); err != nil {
					t.Errorf("receive: %v", err)
					return
				}
				if g := l.Release(n); g > 0 {
					mu.Lock()
					granted += uint64(g)
					mu.Unlock()
					if err := w.Grant(g); err != nil && !errors.Is(err, ErrWindowClosed) {
						t.Errorf("grant: %v", err)
						return
					}
				}
			}
		}()

		time.AfterFunc(200*time.Millisecond, cancel)
		wg.Wait()
		cancel()

		g, c := w.Totals()
		assert.LessOrEqual(t, c, g)
	}
}
