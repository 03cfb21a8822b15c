// Package futex emulates the atomic wait/notify primitive guest pthread
// builds rely on for mutexes and condition variables.
//
// Waits park the calling OS thread. The value check and the enqueue happen
// under the waiter list lock that Notify also takes, so a notify issued
// after the guest changes the value can never be missed.
package futex

import (
	"sync"
	"time"

	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

// Result is the outcome of a wait, using the values of
// memory.atomic.wait.
type Result int32

const (
	OK       Result = 0
	NotEqual Result = 1
	TimedOut Result = 2
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case NotEqual:
		return "not-equal"
	case TimedOut:
		return "timed-out"
	default:
		return "invalid"
	}
}

// Infinite waits without a deadline.
const Infinite time.Duration = -1

// NotifyAll wakes every waiter.
const NotifyAll = ^uint32(0)

type waiter struct {
	ch chan struct{}
}

// WaiterList is the queue of threads parked on one address.
type WaiterList struct {
	mu      sync.Mutex
	waiters []*waiter
}

// Len returns the number of parked waiters.
func (l *WaiterList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Wait parks the caller until notified or until timeout elapses. matches
// runs under the list lock; when it reports false the caller does not park.
func (l *WaiterList) Wait(matches func() bool, timeout time.Duration) Result {
	l.mu.Lock()
	if !matches() {
		l.mu.Unlock()
		return NotEqual
	}
	w := &waiter{ch: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	if timeout < 0 {
		<-w.ch
		return OK
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.ch:
		return OK
	case <-timer.C:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, other := range l.waiters {
		if other == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return TimedOut
		}
	}
	// Notified between the timer firing and taking the lock.
	return OK
}

// Notify wakes up to count waiters in arrival order and returns how many
// were woken.
func (l *WaiterList) Notify(count uint32) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := uint32(len(l.waiters))
	if count < n {
		n = count
	}
	for _, w := range l.waiters[:n] {
		close(w.ch)
	}
	rest := copy(l.waiters, l.waiters[n:])
	clear(l.waiters[rest:])
	l.waiters = l.waiters[:rest]
	return n
}

// WaiterStore maps guest addresses to their waiter lists. Lists are
// created on first use and live as long as the store.
type WaiterStore struct {
	mu    sync.Mutex
	lists map[uint32]*WaiterList
}

// NewWaiterStore creates an empty store.
func NewWaiterStore() *WaiterStore {
	return &WaiterStore{lists: make(map[uint32]*WaiterList)}
}

// List returns the waiter list for a byte address, creating it if needed.
// 32-bit and 64-bit waits on the same address share one list.
func (s *WaiterStore) List(addr uint32) *WaiterList {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[addr]
	if !ok {
		l = &WaiterList{}
		s.lists[addr] = l
	}
	return l
}

// Waiting returns the number of threads parked on addr.
func (s *WaiterStore) Waiting(addr uint32) int {
	s.mu.Lock()
	l, ok := s.lists[addr]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return l.Len()
}

// Len returns the number of addresses that have a list.
func (s *WaiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists)
}

func checkAlign(addr, size uint32) {
	if addr%size != 0 {
		panic(errors.New(errors.PhaseFutex, errors.KindInvariant).
			Value(addr).
			Detail("wait%d on unaligned address %#x", size*8, addr).
			Build())
	}
}

// Wait32 parks the caller while the 32-bit value at addr equals expected.
// A negative timeout waits forever.
func (s *WaiterStore) Wait32(mem *memory.Accessor, addr, expected uint32, timeout time.Duration) Result {
	checkAlign(addr, 4)
	return s.List(addr).Wait(func() bool {
		return mem.AtomicLoad32(addr) == expected
	}, timeout)
}

// Wait64 parks the caller while the 64-bit value at addr equals expected.
func (s *WaiterStore) Wait64(mem *memory.Accessor, addr uint32, expected uint64, timeout time.Duration) Result {
	checkAlign(addr, 8)
	return s.List(addr).Wait(func() bool {
		return mem.AtomicLoad64(addr) == expected
	}, timeout)
}

// Notify wakes up to count threads parked on addr.
func (s *WaiterStore) Notify(addr, count uint32) uint32 {
	checkAlign(addr, 4)
	s.mu.Lock()
	l, ok := s.lists[addr]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return l.Notify(count)
}
