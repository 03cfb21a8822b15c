package callback

import (
	"sync"

	"github.com/wippyai/wasm-sqlite/errors"
)

// ID identifies a registered closure. IDs are non-zero and fit in 31 bits
// so they survive a round trip through a guest int.
type ID uint32

// MaxID is the largest ID a Store hands out.
const MaxID ID = 1<<31 - 1

// Store maps IDs to values. IDs are allocated with a wrap-around scan that
// skips zero and IDs still in use.
type Store[T any] struct {
	items map[ID]T
	mu    sync.Mutex
	next  ID
	limit ID
}

// NewStore creates an empty store.
func NewStore[T any]() *Store[T] {
	return newStore[T](MaxID)
}

func newStore[T any](limit ID) *Store[T] {
	return &Store[T]{
		items: make(map[ID]T),
		next:  1,
		limit: limit,
	}
}

// Put stores v under the next free ID. Running out of IDs panics with a
// fatal error.
func (s *Store[T]) Put(v T) ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ID(len(s.items)) >= s.limit {
		panic(errors.New(errors.PhaseCallback, errors.KindInvariant).
			Value(len(s.items)).
			Detail("callback id space exhausted").
			Build())
	}
	id := s.next
	for {
		if id == 0 || id > s.limit {
			id = 1
		}
		if _, used := s.items[id]; !used {
			break
		}
		id++
	}
	s.items[id] = v
	s.next = id + 1
	return id
}

// Register stores v and passes its ID to register, the guest call that
// hands the ID to SQLite. A non-zero result code means SQLite never took
// the ID, so the entry is removed again and the returned ID is zero. A
// panic in register removes the entry as well.
func (s *Store[T]) Register(v T, register func(ID) int32) (ID, int32) {
	id := s.Put(v)
	keep := false
	defer func() {
		if !keep {
			s.Remove(id)
		}
	}()
	rc := register(id)
	if rc != 0 {
		return 0, rc
	}
	keep = true
	return id, rc
}

// Scoped stores v for the duration of call and removes it afterwards,
// whatever call returns.
func (s *Store[T]) Scoped(v T, call func(ID) int32) int32 {
	id := s.Put(v)
	defer s.Remove(id)
	return call(id)
}

// Get returns the value stored under id.
func (s *Store[T]) Get(id ID) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	return v, ok
}

// Remove deletes id and returns its value.
func (s *Store[T]) Remove(id ID) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	return v, ok
}

// Len returns the number of registered values.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Drain removes every value and returns them.
func (s *Store[T]) Drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.items))
	for id, v := range s.items {
		out = append(out, v)
		delete(s.items, id)
	}
	return out
}
