package host

import (
	"context"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
)

// callbackFunctions returns the sqlite3 trampolines. The guest stores
// them in its indirect function table and SQLite calls them through it.
func (h *Host) callbackFunctions() []*Definition {
	d := h.cfg.Callbacks
	if d == nil {
		return nil
	}
	return []*Definition{
		plain(callback.ImportExec, types(i32, i32, i32, i32), types(i32),
			func(_ context.Context, caller engine.Caller, stack []uint64) {
				putI32(stack, d.Exec(accessor(caller), argU32(stack[0]), argI32(stack[1]), argU32(stack[2]), argU32(stack[3])))
			}),
		plain(callback.ImportTrace, types(i32, i32, i32, i32), types(i32),
			func(_ context.Context, caller engine.Caller, stack []uint64) {
				putI32(stack, d.Trace(accessor(caller), argU32(stack[0]), argU32(stack[1]), argU32(stack[2]), argU32(stack[3])))
			}),
		plain(callback.ImportProgress, types(i32), types(i32),
			func(_ context.Context, _ engine.Caller, stack []uint64) {
				putI32(stack, d.Progress(argU32(stack[0])))
			}),
		plain(callback.ImportComparator, types(i32, i32, i32, i32, i32), types(i32),
			func(_ context.Context, caller engine.Caller, stack []uint64) {
				putI32(stack, d.Compare(accessor(caller),
					argU32(stack[0]), argI32(stack[1]), argU32(stack[2]), argI32(stack[3]), argU32(stack[4])))
			}),
		plain(callback.ImportComparatorDestroy, types(i32), nil,
			func(_ context.Context, _ engine.Caller, stack []uint64) {
				d.DestroyComparator(argU32(stack[0]))
			}),
		plain(callback.ImportLogging, types(i32, i32, i32), nil,
			func(_ context.Context, caller engine.Caller, stack []uint64) {
				d.Log(accessor(caller), argU32(stack[0]), argI32(stack[1]), argU32(stack[2]))
			}),
	}
}
