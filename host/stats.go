package host

import "sort"

// CallStat is the call counter of one import.
type CallStat struct {
	Import string `csv:"import" json:"import"`
	Calls  uint64 `csv:"calls" json:"calls"`
}

// Stats returns the call counters of every definition and stub, sorted by
// import key.
func (h *Host) Stats() []CallStat {
	h.mu.RLock()
	out := make([]CallStat, 0, len(h.calls))
	for key, c := range h.calls {
		out = append(out, CallStat{Import: key, Calls: c.Load()})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Import < out[j].Import })
	return out
}
