// Package enginetest provides an in-memory engine for tests that exercise
// host components without compiling WebAssembly.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
)

// Memory is a byte slice backed engine.Memory. Shared memories reserve
// their maximum up front so views never move.
type Memory struct {
	buf    []byte
	mu     sync.Mutex
	max    uint32
	hasMax bool
	shared bool
}

// NewMemory creates a memory of pages pages, growable up to max pages.
// max == 0 means unbounded.
func NewMemory(pages, max uint32) *Memory {
	return &Memory{
		buf:    make([]byte, uint64(pages)*engine.PageSize),
		max:    max,
		hasMax: max > 0,
	}
}

// NewSharedMemory creates a shared memory with a fixed backing array.
func NewSharedMemory(pages, max uint32) *Memory {
	b := make([]byte, uint64(max)*engine.PageSize)
	return &Memory{
		buf:    b[:uint64(pages)*engine.PageSize],
		max:    max,
		hasMax: true,
		shared: true,
	}
}

func (m *Memory) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.buf))
}

func (m *Memory) Max() (uint32, bool) {
	return m.max, m.hasMax
}

func (m *Memory) Grow(delta uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := uint32(len(m.buf) / engine.PageSize)
	next := uint64(prev) + uint64(delta)
	if m.hasMax && next > uint64(m.max) {
		return 0, false
	}
	if next > 65536 {
		return 0, false
	}
	size := next * engine.PageSize
	if uint64(cap(m.buf)) >= size {
		m.buf = m.buf[:size]
		return prev, true
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return prev, true
}

func (m *Memory) View(offset, length uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := uint64(offset) + uint64(length)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end:end], true
}

func (m *Memory) Shared() bool {
	return m.shared
}

// Func is a Go function exposed as a guest export or table entry.
type Func struct {
	Fn      func(ctx context.Context, params []uint64) ([]uint64, error)
	FnName  string
	Params  []engine.ValueType
	Results []engine.ValueType
}

func (f *Func) Name() string                    { return f.FnName }
func (f *Func) ParamTypes() []engine.ValueType  { return f.Params }
func (f *Func) ResultTypes() []engine.ValueType { return f.Results }

func (f *Func) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if len(params) != len(f.Params) {
		return nil, fmt.Errorf("%s: expected %d params, got %d", f.FnName, len(f.Params), len(params))
	}
	return f.Fn(ctx, params)
}

// Table is an indirect function table. Nil slots are null references.
type Table struct {
	owner *Instance
	slots []engine.Function
	mu    sync.Mutex
}

// Set places fn at slot, growing the table as needed.
func (t *Table) Set(slot uint32, fn engine.Function) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for uint32(len(t.slots)) <= slot {
		t.slots = append(t.slots, nil)
	}
	t.slots[slot] = fn
}

func (t *Table) Lookup(slot uint32, params, results []engine.ValueType) (engine.Function, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot >= uint32(len(t.slots)) || t.slots[slot] == nil {
		return nil, errors.NotFound(errors.PhaseEngine, "table slot", fmt.Sprint(slot))
	}
	fn := t.slots[slot]
	if !engine.SameSignature(fn.ParamTypes(), params) || !engine.SameSignature(fn.ResultTypes(), results) {
		return nil, errors.InvalidInput(errors.PhaseEngine, fmt.Sprintf("table slot %d: signature mismatch", slot))
	}
	return fn, nil
}

func (t *Table) Install(h engine.HostFunction) (uint32, error) {
	owner := t.owner
	fn := &Func{
		FnName:  h.Name,
		Params:  h.Params,
		Results: h.Results,
		Fn: func(ctx context.Context, params []uint64) ([]uint64, error) {
			stack := make([]uint64, h.StackSize())
			copy(stack, params)
			h.Func(ctx, owner, stack)
			return stack[:len(h.Results)], nil
		},
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = append(t.slots, fn)
	return uint32(len(t.slots) - 1), nil
}

// Instance is a fake guest instance. It implements engine.Instance and
// engine.Caller.
type Instance struct {
	mem     engine.Memory
	funcs   map[string]engine.Function
	table   *Table
	name    string
	mu      sync.Mutex
	closed  bool
	OnClose func()
}

// NewInstance creates an instance over mem.
func NewInstance(name string, mem engine.Memory) *Instance {
	inst := &Instance{
		name:  name,
		mem:   mem,
		funcs: make(map[string]engine.Function),
	}
	inst.table = &Table{owner: inst}
	return inst
}

// Export registers fn as an exported function.
func (i *Instance) Export(name string, params, results []engine.ValueType, fn func(ctx context.Context, params []uint64) ([]uint64, error)) *Func {
	f := &Func{FnName: name, Params: params, Results: results, Fn: fn}
	i.mu.Lock()
	i.funcs[name] = f
	i.mu.Unlock()
	return f
}

// Call invokes an exported host-side definition of a HostFunction, as the
// guest would through an import.
func (i *Instance) Call(ctx context.Context, h engine.HostFunction, params ...uint64) []uint64 {
	stack := make([]uint64, h.StackSize())
	copy(stack, params)
	h.Func(ctx, i, stack)
	return stack[:len(h.Results)]
}

func (i *Instance) Name() string          { return i.name }
func (i *Instance) Memory() engine.Memory { return i.mem }
func (i *Instance) Table() engine.Table   { return i.table }

// FuncTable returns the concrete table for test setup.
func (i *Instance) FuncTable() *Table { return i.table }

func (i *Instance) Function(name string) engine.Function {
	i.mu.Lock()
	defer i.mu.Unlock()
	f, ok := i.funcs[name]
	if !ok {
		return nil
	}
	return f
}

func (i *Instance) Close(context.Context) error {
	i.mu.Lock()
	already := i.closed
	i.closed = true
	i.mu.Unlock()
	if !already && i.OnClose != nil {
		i.OnClose()
	}
	return nil
}

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Engine is a fake engine. Build is called for every instantiation and
// receives the host functions passed to Load.
type Engine struct {
	Build   func(ctx context.Context, name string, host map[string]engine.HostFunction) (*Instance, error)
	Threads bool

	mu     sync.Mutex
	loaded []engine.HostFunction
}

func (e *Engine) Name() string          { return "fake" }
func (e *Engine) SupportsThreads() bool { return e.Threads }

func (e *Engine) Load(_ context.Context, _ []byte, host []engine.HostFunction) (engine.Module, error) {
	e.mu.Lock()
	e.loaded = append([]engine.HostFunction(nil), host...)
	e.mu.Unlock()
	byKey := make(map[string]engine.HostFunction, len(host))
	for _, h := range host {
		byKey[h.Key()] = h
	}
	return &module{engine: e, host: byKey}, nil
}

// Loaded returns the host functions passed to the last Load.
func (e *Engine) Loaded() []engine.HostFunction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *Engine) Close(context.Context) error { return nil }

type module struct {
	engine *Engine
	host   map[string]engine.HostFunction
}

func (m *module) Instantiate(ctx context.Context, name string) (engine.Instance, error) {
	if m.engine.Build == nil {
		return NewInstance(name, NewMemory(1, 0)), nil
	}
	return m.engine.Build(ctx, name, m.host)
}

func (m *module) Close(context.Context) error { return nil }
