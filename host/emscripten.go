package host

import (
	"context"
	goruntime "runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
)

func (h *Host) emscriptenFunctions() []*Definition {
	return []*Definition{
		plain("emscripten_resize_heap", types(i32), types(i32), h.resizeHeap),
		plain("emscripten_get_now", nil, types(f64), h.getNow),
		plain("emscripten_date_now", nil, types(f64), dateNow),
		plain("_emscripten_get_now_is_monotonic", nil, types(i32), isMonotonic),
		plain("emscripten_num_logical_cores", nil, types(i32), numLogicalCores),
		plain("_abort_js", nil, nil, abortJS),
		procExit("exit"),
		noop("emscripten_notify_memory_growth"),
		noop("emscripten_check_blocking_allowed"),
	}
}

// resizeHeap grows memory to hold the requested byte size and returns 1,
// or 0 when the request is beyond the memory's maximum.
func (h *Host) resizeHeap(_ context.Context, caller engine.Caller, stack []uint64) {
	requested := uint64(argU32(stack[0]))
	m := accessor(caller)
	before := m.Size()
	if !m.ResizeHeap(requested) {
		h.log.Debug("resize heap refused", zap.Uint64("requested", requested), zap.Uint64("size", before))
		putI32(stack, 0)
		return
	}
	h.log.Debug("heap resized", zap.Uint64("from", before), zap.Uint64("to", m.Size()))
	putI32(stack, 1)
}

// getNow returns monotonic milliseconds since the host started.
func (h *Host) getNow(_ context.Context, _ engine.Caller, stack []uint64) {
	putF64(stack, float64(time.Since(h.start).Nanoseconds())/1e6)
}

func dateNow(_ context.Context, _ engine.Caller, stack []uint64) {
	putF64(stack, float64(time.Now().UnixNano())/1e6)
}

func isMonotonic(_ context.Context, _ engine.Caller, stack []uint64) {
	putI32(stack, 1)
}

func numLogicalCores(_ context.Context, _ engine.Caller, stack []uint64) {
	putI32(stack, int32(goruntime.NumCPU()))
}

func abortJS(context.Context, engine.Caller, []uint64) {
	panic(errors.New(errors.PhaseHost, errors.KindExit).Detail("guest aborted").Build())
}
