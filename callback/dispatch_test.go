package callback

import (
	"bytes"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sqlite/engine/enginetest"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

func newDispatcher(t *testing.T) (*Dispatcher, *memory.Accessor) {
	t.Helper()
	return NewDispatcher(NewRegistry(), nil), memory.New(enginetest.NewMemory(1, 1))
}

func requireFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a fatal panic")
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.IsFatal(err), "%v", err)
	}()
	fn()
}

func TestExecDecodesRow(t *testing.T) {
	d, mem := newDispatcher(t)

	mem.WriteCString(1000, "id")
	mem.WriteCString(1010, "name")
	mem.WriteCString(1020, "42")
	mem.WriteU32(2000, 1000)
	mem.WriteU32(2004, 1010)
	mem.WriteU32(2100, 1020)
	mem.WriteU32(2104, 0)

	var gotCols []string
	var gotVals []sql.NullString
	id := d.Registry().Exec.Put(func(cols []string, vals []sql.NullString) int32 {
		gotCols, gotVals = cols, vals
		return 7
	})

	rc := d.Exec(mem, uint32(id), 2, 2100, 2000)
	assert.Equal(t, int32(7), rc)
	assert.Equal(t, []string{"id", "name"}, gotCols)
	assert.Equal(t, []sql.NullString{{String: "42", Valid: true}, {}}, gotVals)
}

func TestExecUnterminatedAborts(t *testing.T) {
	d, mem := newDispatcher(t)
	size := uint32(mem.Size())
	mem.Fill(size-4, 4, 'x')
	mem.WriteU32(16, size-4)

	called := false
	id := d.Registry().Exec.Put(func([]string, []sql.NullString) int32 {
		called = true
		return 0
	})
	assert.Equal(t, abort, d.Exec(mem, uint32(id), 1, 16, 0))
	assert.False(t, called)
}

func TestExecColumnArrayOutOfBounds(t *testing.T) {
	d, mem := newDispatcher(t)
	called := false
	id := d.Registry().Exec.Put(func([]string, []sql.NullString) int32 {
		called = true
		return 0
	})

	// 4 * 0x40000001 wraps to 4 in 32 bits.
	requireFatal(t, func() { d.Exec(mem, uint32(id), 0x40000001, 0, 16) })
	requireFatal(t, func() { d.Exec(mem, uint32(id), 0x40000001, 16, 0) })
	assert.False(t, called)
}

func TestUnknownIDsAreFatal(t *testing.T) {
	d, mem := newDispatcher(t)
	requireFatal(t, func() { d.Exec(mem, 99, 0, 0, 0) })
	requireFatal(t, func() { d.Compare(mem, 99, 0, 0, 0, 0) })
	requireFatal(t, func() { d.DestroyComparator(99) })
	requireFatal(t, func() { d.Progress(0x1234) })
	requireFatal(t, func() { d.Trace(mem, TraceStmt, 0x1234, 0, 0) })
	requireFatal(t, func() { d.Log(mem, 0, 0, 0) })
}

func TestCompare(t *testing.T) {
	d, mem := newDispatcher(t)
	mem.Write(100, []byte("apple"))
	mem.Write(200, []byte("Banana"))

	id := d.Registry().Comparators.Put(Comparator{
		Compare: func(a, b []byte) int32 {
			return int32(bytes.Compare(bytes.ToLower(a), bytes.ToLower(b)))
		},
	})
	assert.Equal(t, int32(-1), d.Compare(mem, uint32(id), 5, 100, 6, 200))
	assert.Equal(t, int32(1), d.Compare(mem, uint32(id), 6, 200, 5, 100))
	assert.Equal(t, int32(0), d.Compare(mem, uint32(id), 0, 100, 0, 200))
}

func TestDestroyComparatorRunsOnce(t *testing.T) {
	d, _ := newDispatcher(t)
	calls := 0
	id := d.Registry().Comparators.Put(Comparator{
		Compare: func(a, b []byte) int32 { return 0 },
		Destroy: func() { calls++ },
	})

	d.DestroyComparator(uint32(id))
	assert.Equal(t, 1, calls)
	requireFatal(t, func() { d.DestroyComparator(uint32(id)) })
}

func TestTraceDecodesEvents(t *testing.T) {
	d, mem := newDispatcher(t)
	const db = 0x5000

	var events []TraceEvent
	d.Registry().SetTrace(db, func(ev TraceEvent) int32 {
		events = append(events, ev)
		return 0
	})

	mem.WriteCString(300, "SELECT 1")
	mem.WriteI64(400, 1500)
	d.Trace(mem, TraceStmt, db, 0x700, 300)
	d.Trace(mem, TraceProfile, db, 0x700, 400)
	d.Trace(mem, TraceRow, db, 0x700, 0)
	d.Trace(mem, TraceClose, db, db, 0)

	require.Len(t, events, 4)
	assert.Equal(t, TraceEvent{Mask: TraceStmt, Stmt: 0x700, SQL: "SELECT 1"}, events[0])
	assert.Equal(t, int64(1500), events[1].Nanos)
	assert.Equal(t, TraceRow, events[2].Mask)
	assert.Equal(t, uint32(db), events[3].Stmt)

	d.Registry().ForgetConnection(db)
	requireFatal(t, func() { d.Trace(mem, TraceRow, db, 0, 0) })
}

func TestProgressAndLogging(t *testing.T) {
	d, mem := newDispatcher(t)
	d.Registry().SetProgress(0x10, func() int32 { return 1 })
	assert.Equal(t, int32(1), d.Progress(0x10))

	var got string
	var gotCode int32
	d.Registry().SetLogging(func(code int32, msg string) { gotCode, got = code, msg })
	mem.WriteCString(64, "disk I/O error")
	d.Log(mem, 0, 10, 64)
	assert.Equal(t, int32(10), gotCode)
	assert.Equal(t, "disk I/O error", got)
}

func TestSlots(t *testing.T) {
	s := NewSlots()
	s.Set(ImportTrace, 9)
	s.Set(ImportExec, 4)

	slot, ok := s.Get(ImportExec)
	require.True(t, ok)
	assert.Equal(t, uint32(4), slot)
	_, ok = s.Get(ImportLogging)
	assert.False(t, ok)
	assert.Equal(t, []string{ImportExec, ImportTrace}, s.Names())
	assert.True(t, IsTrampoline(ImportComparatorDestroy))
	assert.False(t, IsTrampoline("sqlite3_open_v2"))
}
