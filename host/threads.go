package host

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/futex"
	"github.com/wippyai/wasm-sqlite/pthread"
)

// Atomic wait/notify imports. Timeouts are nanoseconds; a negative timeout
// waits forever.
const (
	ImportAtomicWait32  = "_emscripten_memory_atomic_wait32"
	ImportAtomicWait64  = "_emscripten_memory_atomic_wait64"
	ImportAtomicNotify  = "_emscripten_memory_atomic_notify"
	ImportPthreadCreate = "__pthread_create_js"
)

func (h *Host) threadFunctions() []*Definition {
	return []*Definition{
		plain(ImportPthreadCreate, types(i32, i32, i32, i32), types(i32), h.pthreadCreate),
		plain("_emscripten_thread_cleanup", types(i32), nil, h.threadCleanup),
		plain("_emscripten_init_main_thread_js", types(i32), nil, initMainThread),
		noop("_emscripten_thread_set_strongref"),
		noop("_emscripten_notify_mailbox_postmessage"),
		noop("_emscripten_thread_mailbox_await"),
		plain(ImportAtomicWait32, types(i32, i32, i64), types(i32), h.atomicWait32),
		plain(ImportAtomicWait64, types(i32, i64, i64), types(i32), h.atomicWait64),
		plain(ImportAtomicNotify, types(i32, i32), types(i32), h.atomicNotify),
	}
}

// pthreadCreate returns zero or a positive errno, as pthread_create does.
func (h *Host) pthreadCreate(ctx context.Context, _ engine.Caller, stack []uint64) {
	if h.cfg.Threads == nil {
		putI32(stack, int32(errno.EAGAIN))
		return
	}
	e := h.cfg.Threads.Spawn(ctx, argU32(stack[0]), argU32(stack[1]), argU32(stack[2]), argU32(stack[3]))
	putI32(stack, int32(e))
}

func (h *Host) threadCleanup(ctx context.Context, caller engine.Caller, stack []uint64) {
	ptr := argU32(stack[0])
	if h.cfg.Threads == nil {
		return
	}
	if err := h.cfg.Threads.Cleanup(ctx, caller, ptr); err != nil {
		if errors.IsFatal(err) {
			panic(err)
		}
		h.log.Warn("thread cleanup", zap.Uint32("pthread", ptr), zap.Error(err))
	}
}

func initMainThread(ctx context.Context, caller engine.Caller, stack []uint64) {
	if err := pthread.InitMainThread(ctx, caller, argU32(stack[0])); err != nil {
		panic(errors.Wrap(errors.PhaseThread, errors.KindInvariant, err, "main thread init"))
	}
}

func timeout(ns int64) time.Duration {
	if ns < 0 {
		return futex.Infinite
	}
	return time.Duration(ns)
}

func (h *Host) atomicWait32(_ context.Context, caller engine.Caller, stack []uint64) {
	r := h.cfg.Futex.Wait32(accessor(caller), argU32(stack[0]), argU32(stack[1]), timeout(argI64(stack[2])))
	putI32(stack, int32(r))
}

func (h *Host) atomicWait64(_ context.Context, caller engine.Caller, stack []uint64) {
	r := h.cfg.Futex.Wait64(accessor(caller), argU32(stack[0]), stack[1], timeout(argI64(stack[2])))
	putI32(stack, int32(r))
}

// atomicNotify wakes count waiters; a negative count wakes all.
func (h *Host) atomicNotify(_ context.Context, _ engine.Caller, stack []uint64) {
	count := argU32(stack[1])
	if argI32(stack[1]) < 0 {
		count = futex.NotifyAll
	}
	putI32(stack, int32(h.cfg.Futex.Notify(argU32(stack[0]), count)))
}
