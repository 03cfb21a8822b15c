package callback

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

// abort is returned to the guest when a row cannot be decoded; SQLite
// treats any non-zero exec callback result as SQLITE_ABORT.
const abort int32 = 1

// Dispatcher decodes trampoline calls and invokes registered closures.
type Dispatcher struct {
	reg *Registry
	log *zap.Logger
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, log: engine.LoggerOr(log).Named("callback")}
}

// Registry returns the registry the dispatcher resolves IDs in.
func (d *Dispatcher) Registry() *Registry { return d.reg }

func missing(kind string, key uint32) *errors.Error {
	return errors.New(errors.PhaseCallback, errors.KindInvariant).
		Path(kind).
		Value(key).
		Detail("%s callback %d is not registered", kind, key).
		Build()
}

// Exec handles sqlite3_exec_cb(id, ncols, values, names). values and names
// point to arrays of ncols C string pointers; a null value is SQL NULL.
func (d *Dispatcher) Exec(mem *memory.Accessor, id uint32, ncols int32, values, names uint32) int32 {
	fn, ok := d.reg.Exec.Get(ID(id))
	if !ok {
		panic(missing("exec", id))
	}
	if ncols < 0 {
		panic(errors.Invariant(errors.PhaseCallback, "exec callback with %d columns", ncols))
	}

	var namePtrs, valuePtrs []uint32
	if names != 0 {
		namePtrs = mem.ReadU32s(names, uint32(ncols))
	}
	if values != 0 {
		valuePtrs = mem.ReadU32s(values, uint32(ncols))
	}

	cols := make([]string, ncols)
	vals := make([]sql.NullString, ncols)
	for i := range cols {
		if namePtrs != nil {
			if p := namePtrs[i]; p != 0 {
				s, err := mem.ReadCString(p)
				if err != nil {
					d.log.Warn("exec column name", zap.Uint32("id", id), zap.Error(err))
					return abort
				}
				cols[i] = s
			}
		}
		if valuePtrs != nil {
			if p := valuePtrs[i]; p != 0 {
				s, err := mem.ReadCString(p)
				if err != nil {
					d.log.Warn("exec column value", zap.Uint32("id", id), zap.Error(err))
					return abort
				}
				vals[i] = sql.NullString{String: s, Valid: true}
			}
		}
	}
	return fn(cols, vals)
}

// Trace handles sqlite3_trace_cb(mask, db, p, x). The handler is looked up
// by db, the context pointer registered with sqlite3_trace_v2.
func (d *Dispatcher) Trace(mem *memory.Accessor, mask, db, p, x uint32) int32 {
	fn, ok := d.reg.Trace(db)
	if !ok {
		panic(missing("trace", db))
	}
	ev := TraceEvent{Mask: mask, Stmt: p}
	switch mask {
	case TraceStmt:
		if x != 0 {
			s, err := mem.ReadCString(x)
			if err != nil {
				d.log.Warn("trace sql", zap.Uint32("db", db), zap.Error(err))
				return 0
			}
			ev.SQL = s
		}
	case TraceProfile:
		if x != 0 {
			ev.Nanos = mem.ReadI64(x)
		}
	}
	return fn(ev)
}

// Progress handles sqlite3_progress_cb(db).
func (d *Dispatcher) Progress(db uint32) int32 {
	fn, ok := d.reg.Progress(db)
	if !ok {
		panic(missing("progress", db))
	}
	return fn()
}

// Compare handles sqlite3_comparator_call_cb(id, n1, p1, n2, p2).
func (d *Dispatcher) Compare(mem *memory.Accessor, id uint32, n1 int32, p1 uint32, n2 int32, p2 uint32) int32 {
	c, ok := d.reg.Comparators.Get(ID(id))
	if !ok {
		panic(missing("comparator", id))
	}
	if n1 < 0 || n2 < 0 {
		panic(errors.Invariant(errors.PhaseCallback, "comparator %d called with lengths %d, %d", id, n1, n2))
	}
	return c.Compare(mem.View(p1, uint32(n1)), mem.View(p2, uint32(n2)))
}

// DestroyComparator handles sqlite3_comparator_destroy(id). The comparator
// is unregistered and its destructor runs.
func (d *Dispatcher) DestroyComparator(id uint32) {
	c, ok := d.reg.Comparators.Remove(ID(id))
	if !ok {
		panic(missing("comparator", id))
	}
	if c.Destroy != nil {
		c.Destroy()
	}
}

// Log handles sqlite3_logging_cb(arg, code, msg).
func (d *Dispatcher) Log(mem *memory.Accessor, arg uint32, code int32, msg uint32) {
	fn, ok := d.reg.Logging()
	if !ok {
		panic(missing("logging", arg))
	}
	var s string
	if msg != 0 {
		var err error
		if s, err = mem.ReadCString(msg); err != nil {
			d.log.Warn("log message", zap.Int32("code", code), zap.Error(err))
			return
		}
	}
	fn(code, s)
}
