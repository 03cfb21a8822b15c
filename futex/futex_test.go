package futex

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-sqlite/engine/enginetest"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

func newMem() *memory.Accessor {
	return memory.New(enginetest.NewSharedMemory(1, 1))
}

func waitParked(t *testing.T, s *WaiterStore, addr uint32, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Waiting(addr) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters on %#x, have %d", n, addr, s.Waiting(addr))
		}
		runtime.Gosched()
	}
}

func TestWaitNotEqualReturnsImmediately(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()
	mem.AtomicStore32(64, 5)

	assert.Equal(t, NotEqual, s.Wait32(mem, 64, 4, Infinite))
	assert.Zero(t, s.Waiting(64))

	mem.AtomicStore64(128, 1<<40)
	assert.Equal(t, NotEqual, s.Wait64(mem, 128, 1, Infinite))
}

func TestWaitTimesOut(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()

	start := time.Now()
	assert.Equal(t, TimedOut, s.Wait32(mem, 0, 0, 20*time.Millisecond))
	assert.True(t, time.Since(start) >= 20*time.Millisecond)
	assert.Zero(t, s.Waiting(0), "timed out waiter is dequeued")
	assert.Equal(t, TimedOut, s.Wait64(mem, 8, 0, 0))
}

func TestNotifyCount(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()
	const addr = 256

	var woken atomic.Int32
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			if r := s.Wait32(mem, addr, 0, Infinite); r == OK {
				woken.Add(1)
			}
			return nil
		})
	}
	waitParked(t, s, addr, 5)

	assert.Equal(t, uint32(2), s.Notify(addr, 2))
	waitParked(t, s, addr, 3)
	assert.Equal(t, uint32(3), s.Notify(addr, NotifyAll))
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(5), woken.Load())
	assert.Equal(t, uint32(0), s.Notify(addr, NotifyAll))
	assert.Equal(t, uint32(0), s.Notify(512, 1), "no list yet")
}

func TestWait32And64ShareAddress(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()

	done := make(chan Result, 1)
	go func() { done <- s.Wait64(mem, 16, 0, Infinite) }()
	waitParked(t, s, 16, 1)
	assert.Equal(t, uint32(1), s.Notify(16, 1))
	assert.Equal(t, OK, <-done)
}

func TestUnalignedIsFatal(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()
	for _, fn := range []func(){
		func() { s.Wait32(mem, 2, 0, 0) },
		func() { s.Wait64(mem, 4, 0, 0) },
		func() { s.Notify(1, 1) },
	} {
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				assert.True(t, errors.IsFatal(r.(error)))
			}()
			fn()
		}()
	}
}

// Each pair parks A on its own word, then B changes the word and notifies.
// A must always be woken; a timeout would mean a lost wakeup.
func TestNoMissedWakeupsUnderStress(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()
	const pairs = 64
	const rounds = 20

	var timeouts, notEqual atomic.Int32
	var g errgroup.Group
	for p := 0; p < pairs; p++ {
		addr := uint32(p * 8)
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				v := uint32(r)
				mem.AtomicStore32(addr, v)

				result := make(chan Result, 1)
				go func() { result <- s.Wait32(mem, addr, v, 10*time.Second) }()
				for s.Waiting(addr) == 0 {
					runtime.Gosched()
				}

				mem.AtomicStore32(addr, v+1)
				s.Notify(addr, 1)

				switch <-result {
				case TimedOut:
					timeouts.Add(1)
				case NotEqual:
					notEqual.Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, timeouts.Load())
	assert.Zero(t, notEqual.Load())
}

// Racing notifiers against waiters without any handshake: waiters may see
// NotEqual, but never time out once the value has moved on.
func TestRacingWaitersAndNotifiers(t *testing.T) {
	s := NewWaiterStore()
	mem := newMem()
	const addr = 1024

	var timeouts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			if s.Wait32(mem, addr, 0, 10*time.Second) == TimedOut {
				timeouts.Add(1)
			}
			return nil
		})
	}
	g.Go(func() error {
		mem.AtomicStore32(addr, 1)
		for s.Notify(addr, NotifyAll) > 0 || s.Waiting(addr) > 0 {
			runtime.Gosched()
		}
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Zero(t, timeouts.Load())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "timed-out", TimedOut.String())
	assert.Equal(t, "invalid", Result(9).String())
}
