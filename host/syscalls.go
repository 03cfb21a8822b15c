package host

import (
	"context"

	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/fs"
	"github.com/wippyai/wasm-sqlite/memory"
)

// timespecSize is sizeof(struct timespec) on wasm32: i64 seconds, i32
// nanoseconds, padded to 16.
const timespecSize = 16

func (h *Host) syscallFunctions() []*Definition {
	return []*Definition{
		sys("__syscall_openat", types(i32, i32, i32, i32), h.openat),
		sys("__syscall_fstat64", types(i32, i32), h.fstat64),
		sys("__syscall_stat64", types(i32, i32), h.stat64),
		sys("__syscall_lstat64", types(i32, i32), h.lstat64),
		sys("__syscall_newfstatat", types(i32, i32, i32, i32), h.newfstatat),
		sys("__syscall_ftruncate64", types(i32, i64), h.ftruncate64),
		sys("__syscall_truncate64", types(i32, i64), h.truncate64),
		sys("__syscall_fchown32", types(i32, i32, i32), h.fchown32),
		sys("__syscall_fchmod", types(i32, i32), h.fchmod),
		sys("__syscall_chmod", types(i32, i32), h.chmod),
		sys("__syscall_getcwd", types(i32, i32), h.getcwd),
		sys("__syscall_mkdirat", types(i32, i32, i32), h.mkdirat),
		sys("__syscall_rmdir", types(i32), h.rmdir),
		sys("__syscall_unlinkat", types(i32, i32, i32), h.unlinkat),
		sys("__syscall_renameat", types(i32, i32, i32, i32), h.renameat),
		sys("__syscall_utimensat", types(i32, i32, i32, i32), h.utimensat),
		sys("__syscall_faccessat", types(i32, i32, i32, i32), h.faccessat),
		sys("__syscall_readlinkat", types(i32, i32, i32, i32), h.readlinkat),
		sys("__syscall_fcntl64", types(i32, i32, i32), h.fcntl64),
		sys("__syscall_fdatasync", types(i32), h.fdatasync),
	}
}

// openat(dirfd, path, flags, varargs). varargs points to the mode when
// the guest passed one.
func (h *Host) openat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	dirfd, flags, varargs := argI32(args[0]), argI32(args[2]), argU32(args[3])
	p, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	var mode uint32
	if varargs != 0 {
		mode = m.ReadU32(varargs)
	}
	return h.cfg.FS.Open(dirfd, p, flags, mode)
}

func writeStat(m *memory.Accessor, buf uint32, st fs.Stat, e errno.Errno) (int32, errno.Errno) {
	if e != errno.ESUCCESS {
		return 0, e
	}
	st.EncodeEmscripten(m.View(buf, fs.StatSize))
	return 0, errno.ESUCCESS
}

func (h *Host) fstat64(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	st, e := h.cfg.FS.Fstat(argI32(args[0]))
	return writeStat(m, argU32(args[1]), st, e)
}

func (h *Host) stat64(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[0]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	st, e := h.cfg.FS.Stat(p)
	return writeStat(m, argU32(args[1]), st, e)
}

func (h *Host) lstat64(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[0]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	st, e := h.cfg.FS.Lstat(p)
	return writeStat(m, argU32(args[1]), st, e)
}

// newfstatat(dirfd, path, buf, flags)
func (h *Host) newfstatat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	st, e := h.cfg.FS.Fstatat(argI32(args[0]), p, argI32(args[3]))
	return writeStat(m, argU32(args[2]), st, e)
}

func (h *Host) ftruncate64(_ context.Context, _ *memory.Accessor, args []uint64) (int32, errno.Errno) {
	return 0, h.cfg.FS.Ftruncate(argI32(args[0]), argI64(args[1]))
}

func (h *Host) truncate64(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[0]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Truncate(p, argI64(args[1]))
}

func (h *Host) fchown32(_ context.Context, _ *memory.Accessor, args []uint64) (int32, errno.Errno) {
	return 0, h.cfg.FS.Fchown(argI32(args[0]), argI32(args[1]), argI32(args[2]))
}

func (h *Host) fchmod(_ context.Context, _ *memory.Accessor, args []uint64) (int32, errno.Errno) {
	return 0, h.cfg.FS.Fchmod(argI32(args[0]), argU32(args[1]))
}

func (h *Host) chmod(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[0]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Chmod(p, argU32(args[1]))
}

// getcwd(buf, size) returns the number of bytes written, terminator
// included.
func (h *Host) getcwd(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	buf, size := argU32(args[0]), argU32(args[1])
	if size == 0 {
		return 0, errno.EINVAL
	}
	cwd, e := h.cfg.FS.Getcwd(size)
	if e != errno.ESUCCESS {
		return 0, e
	}
	m.WriteCString(buf, cwd)
	return int32(len(cwd) + 1), errno.ESUCCESS
}

func (h *Host) mkdirat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Mkdirat(argI32(args[0]), p, argU32(args[2]))
}

func (h *Host) rmdir(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[0]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Rmdir(p)
}

func (h *Host) unlinkat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Unlinkat(argI32(args[0]), p, argI32(args[2]))
}

func (h *Host) renameat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	oldPath, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	newPath, e := cstring(m, argU32(args[3]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Renameat(argI32(args[0]), oldPath, argI32(args[2]), newPath)
}

// utimensat(dirfd, path, times, flags). A null times sets both stamps to
// now; a null path with AT_EMPTY_PATH targets dirfd itself.
func (h *Host) utimensat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	dirfd, pathPtr, timesPtr, flags := argI32(args[0]), argU32(args[1]), argU32(args[2]), argI32(args[3])
	var p string
	if pathPtr != 0 {
		var e errno.Errno
		if p, e = cstring(m, pathPtr); e != errno.ESUCCESS {
			return 0, e
		}
	} else if flags&fs.AtEmptyPath == 0 {
		return 0, errno.EFAULT
	}
	var times *[2]fs.Timespec
	if timesPtr != 0 {
		times = new([2]fs.Timespec)
		for i := range times {
			at := timesPtr + uint32(i)*timespecSize
			times[i] = fs.Timespec{Sec: m.ReadI64(at), Nsec: int64(m.ReadI32(at + 8))}
		}
	}
	return 0, h.cfg.FS.Utimensat(dirfd, p, times, flags)
}

// faccessat(dirfd, path, amode, flags)
func (h *Host) faccessat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	p, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	return 0, h.cfg.FS.Faccessat(argI32(args[0]), p, argU32(args[2]))
}

// readlinkat(dirfd, path, buf, bufsize) returns the bytes written. The
// target is truncated to bufsize and not terminated.
func (h *Host) readlinkat(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	buf, size := argU32(args[2]), argI32(args[3])
	if size <= 0 {
		return 0, errno.EINVAL
	}
	p, e := cstring(m, argU32(args[1]))
	if e != errno.ESUCCESS {
		return 0, e
	}
	target, e := h.cfg.FS.Readlinkat(argI32(args[0]), p)
	if e != errno.ESUCCESS {
		return 0, e
	}
	if len(target) > int(size) {
		target = target[:size]
	}
	m.Write(buf, []byte(target))
	return int32(len(target)), errno.ESUCCESS
}

// fcntl64(fd, cmd, varargs). Integer arguments are read from varargs;
// lock commands find a struct flock pointer there.
func (h *Host) fcntl64(_ context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno) {
	fd, cmd, varargs := argI32(args[0]), argI32(args[1]), argU32(args[2])
	if fs.IsLockCmd(cmd) {
		if varargs == 0 {
			return 0, errno.EFAULT
		}
		ptr := m.ReadU32(varargs)
		if ptr == 0 {
			return 0, errno.EFAULT
		}
		raw := m.View(ptr, fs.FlockSize)
		lk := fs.DecodeFlock(raw)
		if e := h.cfg.FS.Lock(fd, cmd, &lk); e != errno.ESUCCESS {
			return 0, e
		}
		lk.Encode(raw)
		return 0, errno.ESUCCESS
	}
	var arg int32
	switch cmd {
	case fs.FDupFd, fs.FDupFdCloExec, fs.FSetFd, fs.FSetFl, fs.FSetOwn:
		if varargs != 0 {
			arg = m.ReadI32(varargs)
		}
	}
	return h.cfg.FS.Fcntl(fd, cmd, arg)
}

func (h *Host) fdatasync(_ context.Context, _ *memory.Accessor, args []uint64) (int32, errno.Errno) {
	return 0, h.cfg.FS.Sync(argI32(args[0]), false)
}
