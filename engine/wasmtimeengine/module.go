package wasmtimeengine

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/bytecodealliance/wasmtime-go/v41"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
)

// TableExport is the export name Emscripten gives the indirect function
// table.
const TableExport = "__indirect_function_table"

// Module is a compiled guest bound to one store and linker.
type Module struct {
	engine *Engine
	module *wasmtime.Module
	store  *wasmtime.Store
	linker *wasmtime.Linker
	log    *zap.Logger

	// ctxs holds the contexts of the guest calls in progress on the store,
	// innermost last. Host functions run with the innermost one.
	ctxMu sync.Mutex
	ctxs  []context.Context
}

var _ engine.Module = (*Module)(nil)

// Instantiate creates an instance in the module's store.
func (m *Module) Instantiate(_ context.Context, name string) (engine.Instance, error) {
	inst, err := m.linker.Instantiate(m.store, m.module)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return &Instance{inst: inst, module: m, name: name}, nil
}

func (m *Module) Close(context.Context) error { return nil }

func (m *Module) enter(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctxMu.Lock()
	m.ctxs = append(m.ctxs, ctx)
	m.ctxMu.Unlock()
}

func (m *Module) leave() {
	m.ctxMu.Lock()
	m.ctxs = m.ctxs[:len(m.ctxs)-1]
	m.ctxMu.Unlock()
}

func (m *Module) callContext() context.Context {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	if len(m.ctxs) == 0 {
		return context.Background()
	}
	return m.ctxs[len(m.ctxs)-1]
}

// trampoline adapts h to wasmtime's callback signature. Panics propagate
// out of the guest call that triggered them.
func (m *Module) trampoline(h engine.HostFunction) func(*wasmtime.Caller, []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	size := h.StackSize()
	return func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
		stack := make([]uint64, size)
		for i, a := range args {
			stack[i] = fromVal(a)
		}
		h.Func(m.callContext(), &caller{c: c, module: m}, stack)
		if len(h.Results) == 0 {
			return nil, nil
		}
		out := make([]wasmtime.Val, len(h.Results))
		for i, t := range h.Results {
			out[i] = toVal(t, stack[i])
		}
		return out, nil
	}
}

// Instance is one wasmtime instance.
type Instance struct {
	inst   *wasmtime.Instance
	module *Module
	name   string
}

var _ engine.Instance = (*Instance)(nil)

func (i *Instance) Name() string { return i.name }

func (i *Instance) Memory() engine.Memory {
	ext := i.inst.GetExport(i.module.store, "memory")
	if ext == nil || ext.Memory() == nil {
		return nil
	}
	return &Memory{mem: ext.Memory(), store: i.module.store}
}

func (i *Instance) Function(name string) engine.Function {
	fn := i.inst.GetFunc(i.module.store, name)
	if fn == nil {
		return nil
	}
	return &Function{fn: fn, store: i.module.store, module: i.module, name: name}
}

func (i *Instance) Table() engine.Table {
	ext := i.inst.GetExport(i.module.store, TableExport)
	if ext == nil || ext.Table() == nil {
		return nil
	}
	return &Table{table: ext.Table(), module: i.module}
}

// Close is a no-op: wasmtime releases instances with their store.
func (i *Instance) Close(context.Context) error { return nil }

type caller struct {
	c      *wasmtime.Caller
	module *Module
}

func (c *caller) Memory() engine.Memory {
	ext := c.c.GetExport("memory")
	if ext == nil || ext.Memory() == nil {
		return nil
	}
	return &Memory{mem: ext.Memory(), store: c.c}
}

func (c *caller) Function(name string) engine.Function {
	ext := c.c.GetExport(name)
	if ext == nil || ext.Func() == nil {
		return nil
	}
	return &Function{fn: ext.Func(), store: c.c, module: c.module, name: name}
}

// Memory adapts a wasmtime memory.
type Memory struct {
	mem   *wasmtime.Memory
	store wasmtime.Storelike
}

func (m *Memory) Size() uint64 { return uint64(m.mem.DataSize(m.store)) }

func (m *Memory) Max() (uint32, bool) {
	ok, max := m.mem.Type(m.store).Maximum()
	return uint32(max), ok
}

func (m *Memory) Grow(delta uint32) (uint32, bool) {
	prev, err := m.mem.Grow(m.store, uint64(delta))
	if err != nil {
		return 0, false
	}
	return uint32(prev), true
}

func (m *Memory) View(offset, n uint32) ([]byte, bool) {
	data := m.mem.UnsafeData(m.store)
	end := uint64(offset) + uint64(n)
	if end > uint64(len(data)) {
		return nil, false
	}
	return data[offset:end:end], true
}

func (m *Memory) Shared() bool { return false }

// Function adapts a wasmtime function.
type Function struct {
	fn     *wasmtime.Func
	store  wasmtime.Storelike
	module *Module
	name   string
}

func (f *Function) Name() string { return f.name }

func (f *Function) ParamTypes() []engine.ValueType {
	return valueTypes(f.fn.Type(f.store).Params())
}

func (f *Function) ResultTypes() []engine.ValueType {
	return valueTypes(f.fn.Type(f.store).Results())
}

// Call converts a panic raised by a host function during the call back
// into an error, matching the wazero backend. Host functions reached from
// the call receive ctx.
func (f *Function) Call(ctx context.Context, params ...uint64) (results []uint64, err error) {
	types := f.ParamTypes()
	if len(params) != len(types) {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("%s: expected %d params, got %d", f.name, len(types), len(params)))
	}
	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = toArg(types[i], p)
	}

	f.module.enter(ctx)
	defer f.module.leave()

	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = rerr
				return
			}
			err = fmt.Errorf("%s: host panic: %v", f.name, r)
		}
	}()

	out, err := f.fn.Call(f.store, args...)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return nil, nil
	case []wasmtime.Val:
		results = make([]uint64, len(v))
		for i, val := range v {
			results[i] = fromVal(val)
		}
		return results, nil
	default:
		return []uint64{fromAny(v)}, nil
	}
}

// Table adapts the exported indirect function table.
type Table struct {
	table  *wasmtime.Table
	module *Module
}

func (t *Table) Lookup(slot uint32, params, results []engine.ValueType) (engine.Function, error) {
	store := t.module.store
	if uint64(slot) >= t.table.Size(store) {
		return nil, errors.NotFound(errors.PhaseEngine, "table slot", fmt.Sprint(slot))
	}
	val, err := t.table.Get(store, uint64(slot))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEngine, errors.KindNotFound, err, fmt.Sprintf("table slot %d", slot))
	}
	fn := val.Funcref()
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseEngine, "table slot", fmt.Sprint(slot))
	}
	ty := fn.Type(store)
	if !engine.SameSignature(valueTypes(ty.Params()), params) || !engine.SameSignature(valueTypes(ty.Results()), results) {
		return nil, errors.InvalidInput(errors.PhaseEngine, fmt.Sprintf("table slot %d: signature mismatch", slot))
	}
	return &Function{fn: fn, store: store, module: t.module, name: fmt.Sprintf("table[%d]", slot)}, nil
}

// Install grows the table by one slot holding h.
func (t *Table) Install(h engine.HostFunction) (uint32, error) {
	store := t.module.store
	fn := wasmtime.NewFunc(store, funcType(h.Params, h.Results), t.module.trampoline(h))
	prev, err := t.table.Grow(store, 1, wasmtime.ValFuncref(fn))
	if err != nil {
		return 0, errors.Wrap(errors.PhaseEngine, errors.KindExhausted, err, "grow table")
	}
	return uint32(prev), nil
}

func funcType(params, results []engine.ValueType) *wasmtime.FuncType {
	return wasmtime.NewFuncType(valTypes(params), valTypes(results))
}

func valTypes(in []engine.ValueType) []*wasmtime.ValType {
	out := make([]*wasmtime.ValType, len(in))
	for i, t := range in {
		out[i] = wasmtime.NewValType(kind(t))
	}
	return out
}

func kind(t engine.ValueType) wasmtime.ValKind {
	switch t {
	case engine.I64:
		return wasmtime.KindI64
	case engine.F32:
		return wasmtime.KindF32
	case engine.F64:
		return wasmtime.KindF64
	default:
		return wasmtime.KindI32
	}
}

func valueTypes(in []*wasmtime.ValType) []engine.ValueType {
	if len(in) == 0 {
		return nil
	}
	out := make([]engine.ValueType, len(in))
	for i, t := range in {
		switch t.Kind() {
		case wasmtime.KindI64:
			out[i] = engine.I64
		case wasmtime.KindF32:
			out[i] = engine.F32
		case wasmtime.KindF64:
			out[i] = engine.F64
		default:
			out[i] = engine.I32
		}
	}
	return out
}

func toVal(t engine.ValueType, v uint64) wasmtime.Val {
	switch t {
	case engine.I64:
		return wasmtime.ValI64(int64(v))
	case engine.F32:
		return wasmtime.ValF32(math.Float32frombits(uint32(v)))
	case engine.F64:
		return wasmtime.ValF64(math.Float64frombits(v))
	default:
		return wasmtime.ValI32(int32(uint32(v)))
	}
}

func toArg(t engine.ValueType, v uint64) interface{} {
	switch t {
	case engine.I64:
		return int64(v)
	case engine.F32:
		return math.Float32frombits(uint32(v))
	case engine.F64:
		return math.Float64frombits(v)
	default:
		return int32(uint32(v))
	}
}

func fromVal(v wasmtime.Val) uint64 {
	switch v.Kind() {
	case wasmtime.KindI64:
		return uint64(v.I64())
	case wasmtime.KindF32:
		return uint64(math.Float32bits(v.F32()))
	case wasmtime.KindF64:
		return math.Float64bits(v.F64())
	default:
		return uint64(uint32(v.I32()))
	}
}

func fromAny(v interface{}) uint64 {
	switch x := v.(type) {
	case int32:
		return uint64(uint32(x))
	case int64:
		return uint64(x)
	case float32:
		return uint64(math.Float32bits(x))
	case float64:
		return math.Float64bits(x)
	default:
		return 0
	}
}
