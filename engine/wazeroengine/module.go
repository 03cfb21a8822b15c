package wazeroengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/table"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
)

// Module is a compiled guest with its host modules instantiated.
type Module struct {
	engine      *Engine
	log         *zap.Logger
	compiled    wazero.CompiledModule
	extra       []wazero.CompiledModule
	hostModules []api.Module
	closeOnce   sync.Once
	shared      bool
}

var _ engine.Module = (*Module)(nil)

// Instantiate creates an anonymous wazero module instance. Only the
// guest's start section runs; _start and _initialize are left to the
// caller.
func (m *Module) Instantiate(ctx context.Context, name string) (engine.Instance, error) {
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	m.log.Debug("instance created", zap.String("instance", name))
	return &Instance{mod: mod, name: name, shared: m.shared}, nil
}

// Close releases the guest and its host modules. Instances must be
// closed first.
func (m *Module) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if m.compiled != nil {
			err = m.compiled.Close(ctx)
		}
		for i := len(m.hostModules) - 1; i >= 0; i-- {
			if cerr := m.hostModules[i].Close(ctx); err == nil {
				err = cerr
			}
		}
		for _, c := range m.extra {
			if cerr := c.Close(ctx); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Instance wraps one wazero module instance.
type Instance struct {
	mod    api.Module
	name   string
	shared bool
}

var _ engine.Instance = (*Instance)(nil)

func (i *Instance) Name() string { return i.name }

func (i *Instance) Memory() engine.Memory {
	return WrapMemory(i.mod.Memory(), i.shared)
}

func (i *Instance) Function(name string) engine.Function {
	return wrapFunction(i.mod.ExportedFunction(name), name)
}

func (i *Instance) Table() engine.Table { return &Table{mod: i.mod} }

func (i *Instance) Close(ctx context.Context) error { return i.mod.Close(ctx) }

// Module returns the underlying wazero module instance.
func (i *Instance) Module() api.Module { return i.mod }

// caller is the guest instance seen from a host function.
type caller struct {
	mod    api.Module
	shared bool
}

func (c *caller) Memory() engine.Memory { return WrapMemory(c.mod.Memory(), c.shared) }

func (c *caller) Function(name string) engine.Function {
	return wrapFunction(c.mod.ExportedFunction(name), name)
}

// Function adapts api.Function.
type Function struct {
	fn   api.Function
	name string
}

func wrapFunction(fn api.Function, name string) engine.Function {
	if fn == nil {
		return nil
	}
	return &Function{fn: fn, name: name}
}

func (f *Function) Name() string                    { return f.name }
func (f *Function) ParamTypes() []engine.ValueType  { return engineTypes(f.fn.Definition().ParamTypes()) }
func (f *Function) ResultTypes() []engine.ValueType { return engineTypes(f.fn.Definition().ResultTypes()) }

func (f *Function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn.Call(ctx, params...)
}

// Table resolves indirect function table slots of table 0.
type Table struct {
	mod api.Module
}

// Lookup resolves slot with the same checks call_indirect applies.
func (t *Table) Lookup(slot uint32, params, results []engine.ValueType) (fn engine.Function, err error) {
	defer func() {
		if r := recover(); r != nil {
			fn = nil
			err = errors.New(errors.PhaseEngine, errors.KindNotFound).
				Path("table", fmt.Sprint(slot)).
				Detail("%v", r).
				Build()
		}
	}()
	found := table.LookupFunction(t.mod, 0, slot, valueTypes(params), valueTypes(results))
	return &Function{fn: found, name: fmt.Sprintf("table[%d]", slot)}, nil
}

// Install is not supported: wazero cannot grow a guest table from the host.
func (t *Table) Install(engine.HostFunction) (uint32, error) {
	return 0, errors.Unsupported(errors.PhaseEngine, "wazero: installing host functions into a guest table")
}
