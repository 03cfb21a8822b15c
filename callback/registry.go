package callback

import (
	"database/sql"
	"sync"
)

// ExecFunc receives one result row of sqlite3_exec. A non-zero return
// aborts the statement.
type ExecFunc func(columns []string, values []sql.NullString) int32

// Comparator implements a collation registered with
// sqlite3_create_collation_v2. The slices passed to Compare alias guest
// memory and are only valid during the call.
type Comparator struct {
	Compare func(a, b []byte) int32
	// Destroy runs when SQLite drops the collation. Optional.
	Destroy func()
}

// Trace event masks, as in sqlite3_trace_v2.
const (
	TraceStmt    uint32 = 0x01
	TraceProfile uint32 = 0x02
	TraceRow     uint32 = 0x04
	TraceClose   uint32 = 0x08
)

// TraceEvent is a decoded sqlite3_trace_v2 callback.
type TraceEvent struct {
	Mask uint32
	// Stmt is the prepared statement pointer, or the connection for
	// TraceClose.
	Stmt uint32
	// SQL holds the statement text for TraceStmt.
	SQL string
	// Nanos holds the run time for TraceProfile.
	Nanos int64
}

// TraceFunc handles trace events of one connection.
type TraceFunc func(ev TraceEvent) int32

// ProgressFunc is a progress handler. A non-zero return interrupts the
// running statement.
type ProgressFunc func() int32

// LogFunc receives sqlite3_log messages.
type LogFunc func(code int32, msg string)

// Registry holds every closure the guest can call back into. Exec
// callbacks and comparators are keyed by ID. Trace and progress handlers
// are keyed by the connection pointer the guest passes back. There is one
// process-wide logger per runtime.
type Registry struct {
	Exec        *Store[ExecFunc]
	Comparators *Store[Comparator]
	Slots       *Slots

	mu       sync.Mutex
	trace    map[uint32]TraceFunc
	progress map[uint32]ProgressFunc
	logging  LogFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		Exec:        NewStore[ExecFunc](),
		Comparators: NewStore[Comparator](),
		Slots:       NewSlots(),
		trace:       make(map[uint32]TraceFunc),
		progress:    make(map[uint32]ProgressFunc),
	}
}

// ExecWith runs a sqlite3_exec call with fn registered as its row callback.
// call receives the ID to pass as the callback's user data; fn is removed
// once call returns.
func (r *Registry) ExecWith(fn ExecFunc, call func(ID) int32) int32 {
	return r.Exec.Scoped(fn, call)
}

// RegisterComparator stores c and runs register, which should call
// sqlite3_create_collation_v2 with the returned ID. When SQLite rejects
// the collation the comparator is dropped without running Destroy, as
// SQLite does not call xDestroy on a failed registration.
func (r *Registry) RegisterComparator(c Comparator, register func(ID) int32) (ID, int32) {
	return r.Comparators.Register(c, register)
}

// SetTrace installs fn as the trace handler of db. A nil fn removes it.
func (r *Registry) SetTrace(db uint32, fn TraceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.trace, db)
		return
	}
	r.trace[db] = fn
}

// Trace returns the trace handler of db.
func (r *Registry) Trace(db uint32) (TraceFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.trace[db]
	return fn, ok
}

// SetProgress installs fn as the progress handler of db. A nil fn removes
// it.
func (r *Registry) SetProgress(db uint32, fn ProgressFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.progress, db)
		return
	}
	r.progress[db] = fn
}

// Progress returns the progress handler of db.
func (r *Registry) Progress(db uint32) (ProgressFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.progress[db]
	return fn, ok
}

// SetLogging installs the sqlite3_log receiver.
func (r *Registry) SetLogging(fn LogFunc) {
	r.mu.Lock()
	r.logging = fn
	r.mu.Unlock()
}

// Logging returns the sqlite3_log receiver.
func (r *Registry) Logging() (LogFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logging, r.logging != nil
}

// ForgetConnection drops the handlers of a closed connection.
func (r *Registry) ForgetConnection(db uint32) {
	r.mu.Lock()
	delete(r.trace, db)
	delete(r.progress, db)
	r.mu.Unlock()
}

// Close drops every closure. Comparator destructors run.
func (r *Registry) Close() {
	r.Exec.Drain()
	for _, c := range r.Comparators.Drain() {
		if c.Destroy != nil {
			c.Destroy()
		}
	}
	r.mu.Lock()
	clear(r.trace)
	clear(r.progress)
	r.logging = nil
	r.mu.Unlock()
}
