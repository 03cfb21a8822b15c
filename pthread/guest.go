package pthread

import (
	"context"
	"fmt"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

// Guest runtime exports used to attach and detach threads.
const (
	ExportThreadInit     = "_emscripten_thread_init"
	ExportPthreadSelf    = "pthread_self"
	ExportStackSetLimits = "emscripten_stack_set_limits"
	ExportStackRestore   = "_emscripten_stack_restore"
	ExportStackRestore2  = "stackRestore"
	ExportTLSInit        = "_emscripten_tls_init"
	ExportThreadExit     = "_emscripten_thread_exit"
	ExportThreadCrashed  = "_emscripten_thread_crashed"
	ExportThreadFreeData = "_emscripten_thread_free_data"
)

// Stack cookie words written at the low end of every thread stack.
const (
	StackCookie1 uint32 = 0x02135467
	StackCookie2 uint32 = 0x89BACDFE
)

// StackAlign is the alignment the guest ABI requires for stack bounds.
const StackAlign = 16

// Layout locates fields of the guest's struct pthread.
type Layout struct {
	// StackOffset is the offset of the stack top pointer.
	StackOffset uint32
	// StackSizeOffset is the offset of the stack size.
	StackSizeOffset uint32
}

// DefaultLayout matches Emscripten's wasm32 struct pthread.
var DefaultLayout = Layout{StackOffset: 52, StackSizeOffset: 56}

// exporter is an engine.Instance or engine.Caller.
type exporter interface {
	Function(name string) engine.Function
}

func export(inst exporter, name string) (engine.Function, error) {
	fn := inst.Function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseThread, "export", name)
	}
	return fn, nil
}

func call(ctx context.Context, inst exporter, name string, params ...uint64) ([]uint64, error) {
	fn, err := export(inst, name)
	if err != nil {
		return nil, err
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

// initThread runs _emscripten_thread_init. Older runtimes take fewer
// arguments, so the call is trimmed to the export's arity.
func initThread(ctx context.Context, inst exporter, ptr uint32, main bool) error {
	fn, err := export(inst, ExportThreadInit)
	if err != nil {
		return err
	}
	// pthread_ptr, is_main, is_runtime, can_block, default_stacksize, start_profiling
	args := []uint64{uint64(ptr), 0, 0, 1, 0, 0}
	if main {
		args[1], args[2] = 1, 1
	}
	n := len(fn.ParamTypes())
	if n > len(args) {
		return errors.Unsupported(errors.PhaseThread, fmt.Sprintf("%s with %d parameters", ExportThreadInit, n))
	}
	if _, err := fn.Call(ctx, args[:n]...); err != nil {
		return fmt.Errorf("%s: %w", ExportThreadInit, err)
	}
	return nil
}

// InitMainThread handles _emscripten_init_main_thread_js: the calling
// instance becomes the guest's main runtime thread.
func InitMainThread(ctx context.Context, caller engine.Caller, tb uint32) error {
	if tb == 0 {
		return errors.InvalidInput(errors.PhaseThread, "main thread block is NULL")
	}
	return initThread(ctx, caller, tb, true)
}

// stackBounds reads the thread's stack range from its struct pthread.
func stackBounds(mem *memory.Accessor, layout Layout, ptr uint32) (high, low uint32) {
	high = mem.ReadU32(ptr + layout.StackOffset)
	size := mem.ReadU32(ptr + layout.StackSizeOffset)
	if size > high {
		panic(errors.Invariant(errors.PhaseThread, "pthread %#x: stack size %d exceeds stack top %#x", ptr, size, high))
	}
	return high, high - size
}

// cookieAddr mirrors the guest runtime, which never writes at address 0.
func cookieAddr(low uint32) uint32 {
	if low == 0 {
		return 4
	}
	return low
}

// writeStackCookie checks alignment and then marks the stack limit.
func writeStackCookie(mem *memory.Accessor, high, low uint32) {
	if high%StackAlign != 0 || low%StackAlign != 0 {
		panic(errors.Invariant(errors.PhaseThread, "thread stack [%#x, %#x) is not %d-byte aligned", low, high, StackAlign))
	}
	at := cookieAddr(low)
	mem.WriteU32(at, StackCookie1)
	mem.WriteU32(at+4, StackCookie2)
}

// checkStackCookie reports whether the cookie written at attach is intact.
func checkStackCookie(mem *memory.Accessor, low uint32) bool {
	at := cookieAddr(low)
	return mem.ReadU32(at) == StackCookie1 && mem.ReadU32(at+4) == StackCookie2
}
