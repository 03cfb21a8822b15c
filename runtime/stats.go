package runtime

import (
	"github.com/wippyai/wasm-sqlite/host"
	"github.com/wippyai/wasm-sqlite/pthread"
)

// Stats is a snapshot of the runtime's counters.
type Stats struct {
	Imports []host.CallStat `json:"imports"`
	Threads pthread.Stats   `json:"threads"`
	// OpenFiles counts descriptors, stdio included.
	OpenFiles int `json:"open_files"`
	// WaitAddresses counts addresses that ever had a waiter list.
	WaitAddresses int `json:"wait_addresses"`
}

// Stats returns the current counters.
func (r *Runtime) Stats() Stats {
	s := Stats{
		Imports:       r.host.Stats(),
		OpenFiles:     r.fs.Fds().Len(),
		WaitAddresses: r.futex.Len(),
	}
	if r.threads != nil {
		s.Threads = r.threads.Stats()
	}
	return s
}
