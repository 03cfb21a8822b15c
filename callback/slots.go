package callback

import (
	"sort"
	"sync"
)

// Trampoline import names. Each is a host function the guest keeps in its
// indirect function table.
const (
	ImportExec              = "sqlite3_exec_cb"
	ImportTrace             = "sqlite3_trace_cb"
	ImportProgress          = "sqlite3_progress_cb"
	ImportComparator        = "sqlite3_comparator_call_cb"
	ImportComparatorDestroy = "sqlite3_comparator_destroy"
	ImportLogging           = "sqlite3_logging_cb"
)

// Imports lists every trampoline import name.
var Imports = []string{
	ImportExec,
	ImportTrace,
	ImportProgress,
	ImportComparator,
	ImportComparatorDestroy,
	ImportLogging,
}

// IsTrampoline reports whether name is a trampoline import.
func IsTrampoline(name string) bool {
	for _, n := range Imports {
		if n == name {
			return true
		}
	}
	return false
}

// Slots records where each trampoline lives in the guest's indirect
// function table. Slots are fixed once the guest is linked.
type Slots struct {
	m  map[string]uint32
	mu sync.RWMutex
}

// NewSlots creates an empty slot map.
func NewSlots() *Slots {
	return &Slots{m: make(map[string]uint32)}
}

// Set records the table slot of a trampoline.
func (s *Slots) Set(name string, slot uint32) {
	s.mu.Lock()
	s.m[name] = slot
	s.mu.Unlock()
}

// Get returns the table slot of a trampoline. The guest uses it as the C
// function pointer.
func (s *Slots) Get(name string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.m[name]
	return slot, ok
}

// Names returns the trampolines that have a slot, sorted.
func (s *Slots) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for n := range s.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
