package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

// Instance is the guest's main instance. Like engine.Instance it is not
// safe for concurrent calls; guest threads run on instances of their own.
type Instance struct {
	rt   *Runtime
	inst engine.Instance
}

func (i *Instance) Name() string { return i.inst.Name() }

// Engine returns the backend instance.
func (i *Instance) Engine() engine.Instance { return i.inst }

// Memory returns an accessor over the guest's linear memory.
func (i *Instance) Memory() *memory.Accessor {
	return memory.New(i.inst.Memory())
}

// Exported reports whether the guest exports a function called name.
func (i *Instance) Exported(name string) bool {
	return i.inst.Function(name) != nil
}

// Call invokes an exported function. A guest that exits makes the call
// fail with an error errors.ExitCode recognises.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := i.inst.Function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		if errors.IsFatal(err) {
			i.rt.log.Error("guest call aborted", zap.String("export", name), zap.Error(err))
		}
		return nil, err
	}
	return results, nil
}

// Run calls _start and returns the exit code. Returning from _start is
// exit code 0.
func (i *Instance) Run(ctx context.Context) (uint32, error) {
	_, err := i.Call(ctx, ExportStart)
	if err == nil {
		return 0, nil
	}
	if code, ok := errors.ExitCode(err); ok {
		return code, nil
	}
	return 0, err
}

// Slot returns the table slot of a callback trampoline, which the guest
// uses as its C function pointer.
func (i *Instance) Slot(name string) (uint32, bool) {
	return i.rt.callbacks.Slots.Get(name)
}

// CallSlot invokes the guest function at a table slot with the given
// signature, as the indirect dispatch does for callbacks.
func (i *Instance) CallSlot(ctx context.Context, slot uint32, params, results []engine.ValueType, args ...uint64) ([]uint64, error) {
	table := i.inst.Table()
	if table == nil {
		return nil, errors.NotFound(errors.PhaseCallback, "table", i.inst.Name())
	}
	fn, err := table.Lookup(slot, params, results)
	if err != nil {
		return nil, err
	}
	return fn.Call(ctx, args...)
}
