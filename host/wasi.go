package host

import (
	"context"
	"io"
	goruntime "runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/fs"
	"github.com/wippyai/wasm-sqlite/memory"
)

// WASI clock ids. The CPU time clocks are served by the monotonic clock.
const (
	clockRealtime = iota
	clockMonotonic
	clockProcessCPUTime
	clockThreadCPUTime
)

func (h *Host) wasiFunctions() []*Definition {
	return []*Definition{
		wasi("args_get", types(i32, i32), h.argsGet),
		wasi("args_sizes_get", types(i32, i32), h.argsSizesGet),
		wasi("environ_get", types(i32, i32), h.environGet),
		wasi("environ_sizes_get", types(i32, i32), h.environSizesGet),
		wasi("clock_res_get", types(i32, i32), h.clockResGet),
		wasi("clock_time_get", types(i32, i64, i32), h.clockTimeGet),
		wasi("fd_close", types(i32), h.fdClose),
		wasi("fd_datasync", types(i32), h.fdDatasync),
		wasi("fd_fdstat_get", types(i32, i32), h.fdFdstatGet),
		wasi("fd_filestat_get", types(i32, i32), h.fdFilestatGet),
		wasi("fd_pread", types(i32, i32, i32, i64, i32), h.fdPread),
		wasi("fd_prestat_get", types(i32, i32), badf),
		wasi("fd_prestat_dir_name", types(i32, i32, i32), badf),
		wasi("fd_pwrite", types(i32, i32, i32, i64, i32), h.fdPwrite),
		wasi("fd_read", types(i32, i32, i32, i32), h.fdRead),
		wasi("fd_seek", types(i32, i64, i32, i32), h.fdSeek),
		wasi("fd_sync", types(i32), h.fdSync),
		wasi("fd_tell", types(i32, i32), h.fdTell),
		wasi("fd_write", types(i32, i32, i32, i32), h.fdWrite),
		wasi("path_create_directory", types(i32, i32, i32), nosys),
		wasi("path_filestat_get", types(i32, i32, i32, i32, i32), nosys),
		wasi("path_filestat_set_times", types(i32, i32, i32, i32, i64, i64, i32), nosys),
		wasi("path_open", types(i32, i32, i32, i32, i32, i64, i64, i32, i32), nosys),
		wasi("path_readlink", types(i32, i32, i32, i32, i32, i32), nosys),
		wasi("path_remove_directory", types(i32, i32, i32), nosys),
		wasi("path_rename", types(i32, i32, i32, i32, i32, i32), nosys),
		wasi("path_unlink_file", types(i32, i32, i32), nosys),
		procExit("proc_exit"),
		wasi("random_get", types(i32, i32), h.randomGet),
		wasi("sched_yield", nil, schedYield),
	}
}

// badf reports that no descriptor is pre-opened.
func badf(context.Context, *memory.Accessor, []uint64) errno.Errno { return errno.EBADF }

// nosys serves path_* calls; Emscripten guests reach files through the
// __syscall_* family instead.
func nosys(context.Context, *memory.Accessor, []uint64) errno.Errno { return errno.ENOSYS }

func schedYield(context.Context, *memory.Accessor, []uint64) errno.Errno {
	goruntime.Gosched()
	return errno.ESUCCESS
}

func stringsSize(values []string) (count, size uint32) {
	for _, v := range values {
		size += uint32(len(v)) + 1
	}
	return uint32(len(values)), size
}

// writeStrings stores the pointer array at offsets and the NUL-terminated
// values at buf.
func writeStrings(m *memory.Accessor, values []string, offsets, buf uint32) {
	for _, v := range values {
		m.WriteU32(offsets, buf)
		offsets += 4
		m.WriteCString(buf, v)
		buf += uint32(len(v)) + 1
	}
}

func (h *Host) argsGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	writeStrings(m, h.cfg.Args, argU32(args[0]), argU32(args[1]))
	return errno.ESUCCESS
}

func (h *Host) argsSizesGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	count, size := stringsSize(h.cfg.Args)
	m.WriteU32(argU32(args[0]), count)
	m.WriteU32(argU32(args[1]), size)
	return errno.ESUCCESS
}

func (h *Host) environGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	writeStrings(m, h.cfg.Env, argU32(args[0]), argU32(args[1]))
	return errno.ESUCCESS
}

func (h *Host) environSizesGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	count, size := stringsSize(h.cfg.Env)
	m.WriteU32(argU32(args[0]), count)
	m.WriteU32(argU32(args[1]), size)
	return errno.ESUCCESS
}

func (h *Host) clockResGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	var res uint64
	switch argU32(args[0]) {
	case clockRealtime:
		res = uint64(time.Microsecond)
	case clockMonotonic, clockProcessCPUTime, clockThreadCPUTime:
		res = 1
	default:
		return errno.EINVAL
	}
	m.WriteU64(argU32(args[1]), res)
	return errno.ESUCCESS
}

func (h *Host) clockTimeGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	var ns uint64
	switch argU32(args[0]) {
	case clockRealtime:
		ns = uint64(time.Now().UnixNano())
	case clockMonotonic, clockProcessCPUTime, clockThreadCPUTime:
		ns = uint64(time.Since(h.start))
	default:
		return errno.EINVAL
	}
	m.WriteU64(argU32(args[2]), ns)
	return errno.ESUCCESS
}

func (h *Host) fdClose(_ context.Context, _ *memory.Accessor, args []uint64) errno.Errno {
	return h.cfg.FS.CloseFd(argI32(args[0]))
}

func (h *Host) fdSync(_ context.Context, _ *memory.Accessor, args []uint64) errno.Errno {
	return h.cfg.FS.Sync(argI32(args[0]), true)
}

func (h *Host) fdDatasync(_ context.Context, _ *memory.Accessor, args []uint64) errno.Errno {
	return h.cfg.FS.Sync(argI32(args[0]), false)
}

func (h *Host) fdFdstatGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	st, e := h.cfg.FS.Fdstat(argI32(args[0]))
	if e != errno.ESUCCESS {
		return e
	}
	st.Encode(m.View(argU32(args[1]), fs.FdstatSize))
	return errno.ESUCCESS
}

func (h *Host) fdFilestatGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	st, e := h.cfg.FS.Fstat(argI32(args[0]))
	if e != errno.ESUCCESS {
		return e
	}
	st.EncodeWASI(m.View(argU32(args[1]), fs.FilestatSize))
	return errno.ESUCCESS
}

// fd_read(fd, iovs, iovs_len, nread)
func (h *Host) fdRead(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	iovs := m.ReadIOVecs(argU32(args[1]), argU32(args[2]))
	n, e := h.cfg.FS.Read(m, argI32(args[0]), iovs)
	if e != errno.ESUCCESS {
		return e
	}
	m.WriteU32(argU32(args[3]), n)
	return errno.ESUCCESS
}

// fd_pread(fd, iovs, iovs_len, offset, nread)
func (h *Host) fdPread(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	iovs := m.ReadIOVecs(argU32(args[1]), argU32(args[2]))
	n, e := h.cfg.FS.Pread(m, argI32(args[0]), iovs, argI64(args[3]))
	if e != errno.ESUCCESS {
		return e
	}
	m.WriteU32(argU32(args[4]), n)
	return errno.ESUCCESS
}

// fd_write(fd, iovs, iovs_len, nwritten)
func (h *Host) fdWrite(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	iovs := m.ReadIOVecs(argU32(args[1]), argU32(args[2]))
	n, e := h.cfg.FS.Write(m, argI32(args[0]), iovs)
	if e != errno.ESUCCESS {
		return e
	}
	m.WriteU32(argU32(args[3]), n)
	return errno.ESUCCESS
}

// fd_pwrite(fd, iovs, iovs_len, offset, nwritten)
func (h *Host) fdPwrite(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	iovs := m.ReadIOVecs(argU32(args[1]), argU32(args[2]))
	n, e := h.cfg.FS.Pwrite(m, argI32(args[0]), iovs, argI64(args[3]))
	if e != errno.ESUCCESS {
		return e
	}
	m.WriteU32(argU32(args[4]), n)
	return errno.ESUCCESS
}

// fd_seek(fd, offset, whence, newoffset). WASI whence values match
// SEEK_SET, SEEK_CUR and SEEK_END.
func (h *Host) fdSeek(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	whence := argU32(args[2])
	if whence > fs.SeekEnd {
		return errno.EINVAL
	}
	pos, e := h.cfg.FS.Seek(argI32(args[0]), argI64(args[1]), int(whence))
	if e != errno.ESUCCESS {
		return e
	}
	m.WriteU64(argU32(args[3]), uint64(pos))
	return errno.ESUCCESS
}

func (h *Host) fdTell(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	pos, e := h.cfg.FS.Seek(argI32(args[0]), 0, fs.SeekCur)
	if e != errno.ESUCCESS {
		return e
	}
	m.WriteU64(argU32(args[1]), uint64(pos))
	return errno.ESUCCESS
}

func (h *Host) randomGet(_ context.Context, m *memory.Accessor, args []uint64) errno.Errno {
	buf := m.View(argU32(args[0]), argU32(args[1]))
	if _, err := io.ReadFull(h.cfg.Random, buf); err != nil {
		h.log.Warn("random_get", zap.Error(err))
		return errno.EIO
	}
	return errno.ESUCCESS
}

// procExit ends the guest. The exit propagates as a panic so the engine
// unwinds the guest stack.
func procExit(name string) *Definition {
	d := plain(name, types(i32), nil, func(_ context.Context, _ engine.Caller, stack []uint64) {
		panic(&errors.ExitError{Code: argU32(stack[0])})
	})
	if name == "proc_exit" {
		d.Module, d.ABI = ModuleWASI, ABIWASI
	}
	return d
}
