package host

import (
	"bytes"
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/engine/enginetest"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/fs"
	"github.com/wippyai/wasm-sqlite/futex"
	"github.com/wippyai/wasm-sqlite/memory"
)

type fixture struct {
	h    *Host
	inst *enginetest.Instance
	mem  *memory.Accessor
	reg  *callback.Registry
	root string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	fsys, err := fs.New(fs.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() })

	reg := callback.NewRegistry()
	cfg := Config{
		FS:        fsys,
		Callbacks: callback.NewDispatcher(reg, nil),
		Futex:     futex.NewWaiterStore(),
		Env:       []string{"HOME=/", "TZ=UTC"},
		Args:      []string{"sqlite3", "-batch"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mem := enginetest.NewSharedMemory(1, 2)
	return &fixture{
		h:    New(cfg),
		inst: enginetest.NewInstance("main", mem),
		mem:  memory.New(mem),
		reg:  reg,
		root: root,
	}
}

func (f *fixture) call(t *testing.T, module, name string, args ...uint64) []uint64 {
	t.Helper()
	d, ok := f.h.Lookup(module, name)
	require.True(t, ok, "%s#%s is not defined", module, name)
	return f.inst.Call(context.Background(), d.HostFunction, args...)
}

// sys calls a __syscall_* import and returns its signed result.
func (f *fixture) sys(t *testing.T, name string, args ...uint64) int32 {
	t.Helper()
	return int32(uint32(f.call(t, ModuleEnv, name, args...)[0]))
}

func (f *fixture) wasi(t *testing.T, name string, args ...uint64) errno.Errno {
	t.Helper()
	return errno.Errno(f.call(t, ModuleWASI, name, args...)[0])
}

func (f *fixture) str(ptr uint32, s string) uint64 {
	f.mem.WriteCString(ptr, s)
	return uint64(ptr)
}

func i32arg(v int32) uint64 { return uint64(uint32(v)) }

const (
	pathBuf  = 0x100
	iovBuf   = 0x200
	dataBuf  = 0x300
	outBuf   = 0x400
	statBuf  = 0x500
	varBuf   = 0x600
	otherBuf = 0x700
)

func TestSyscallsAndWASIShareDescriptors(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.WriteU32(varBuf, 0o644)

	fd := f.sys(t, "__syscall_openat", i32arg(fs.AtFdCwd), f.str(pathBuf, "/t"), i32arg(fs.ORdWr|fs.OCreat), varBuf)
	require.Equal(t, int32(3), fd)

	f.mem.Write(dataBuf, []byte("helloworld"))
	for i := uint32(0); i < 2; i++ {
		f.mem.WriteU32(iovBuf, dataBuf+5*i)
		f.mem.WriteU32(iovBuf+4, 5)
		require.Equal(t, errno.ESUCCESS, f.wasi(t, "fd_write", uint64(fd), iovBuf, 1, outBuf))
		assert.Equal(t, uint32(5), f.mem.ReadU32(outBuf))
	}

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "fd_seek", uint64(fd), 0, fs.SeekSet, outBuf))
	assert.Equal(t, uint64(0), f.mem.ReadU64(outBuf))

	f.mem.WriteU32(iovBuf, otherBuf)
	f.mem.WriteU32(iovBuf+4, 10)
	require.Equal(t, errno.ESUCCESS, f.wasi(t, "fd_read", uint64(fd), iovBuf, 1, outBuf))
	assert.Equal(t, uint32(10), f.mem.ReadU32(outBuf))
	assert.Equal(t, "helloworld", string(f.mem.ReadBytes(otherBuf, 10)))

	require.Equal(t, int32(0), f.sys(t, "__syscall_fstat64", uint64(fd), statBuf))
	assert.Equal(t, uint64(10), f.mem.ReadU64(statBuf+24), "st_size")
	assert.Equal(t, fs.SIfReg, f.mem.ReadU32(statBuf+4)&fs.SIfMt)

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "fd_filestat_get", uint64(fd), statBuf))
	assert.Equal(t, fs.FiletypeRegularFile, f.mem.ReadU8(statBuf+16))
	assert.Equal(t, uint64(10), f.mem.ReadU64(statBuf+32))

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "fd_close", uint64(fd)))
	assert.Equal(t, errno.EBADF, f.wasi(t, "fd_close", uint64(fd)))
}

func TestSyscallErrorsAreNegative(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "exists"), []byte("x"), 0o644))

	got := f.sys(t, "__syscall_openat", i32arg(fs.AtFdCwd), f.str(pathBuf, "/missing"), 0, 0)
	assert.Equal(t, -int32(errno.ENOENT), got)

	got = f.sys(t, "__syscall_openat", i32arg(fs.AtFdCwd), f.str(pathBuf, "/exists"), i32arg(fs.OCreat|fs.OExcl|fs.OWrOnly), 0)
	assert.Equal(t, -int32(errno.EEXIST), got)
	data, err := os.ReadFile(filepath.Join(f.root, "exists"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data), "O_EXCL never truncates")

	assert.Equal(t, -int32(errno.EFAULT), f.sys(t, "__syscall_stat64", 0, statBuf))
	assert.Equal(t, -int32(errno.EBADF), f.sys(t, "__syscall_ftruncate64", 42, 0))
}

func TestWASIErrorsArePositive(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, errno.EBADF, f.wasi(t, "fd_prestat_get", 3, outBuf))
	assert.Equal(t, errno.ENOSYS, f.wasi(t, "path_open", 3, 0, pathBuf, 1, 0, 0, 0, 0, outBuf))
	assert.Equal(t, errno.EINVAL, f.wasi(t, "fd_seek", 1, 0, 7, outBuf))
	assert.Equal(t, errno.EINVAL, f.wasi(t, "clock_time_get", 9, 0, outBuf))
}

func TestGetcwd(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, -int32(errno.EINVAL), f.sys(t, "__syscall_getcwd", outBuf, 0))
	assert.Equal(t, -int32(errno.ERANGE), f.sys(t, "__syscall_getcwd", outBuf, 1))

	require.Equal(t, int32(2), f.sys(t, "__syscall_getcwd", outBuf, 64))
	s, err := f.mem.ReadCString(outBuf)
	require.NoError(t, err)
	assert.Equal(t, "/", s)
}

func TestDirectoriesAndLinks(t *testing.T) {
	f := newFixture(t, nil)
	cwd := i32arg(fs.AtFdCwd)

	require.Equal(t, int32(0), f.sys(t, "__syscall_mkdirat", cwd, f.str(pathBuf, "/d"), 0o755))
	assert.Equal(t, -int32(errno.EEXIST), f.sys(t, "__syscall_mkdirat", cwd, f.str(pathBuf, "/d"), 0o755))
	assert.Equal(t, -int32(errno.EISDIR), f.sys(t, "__syscall_unlinkat", cwd, f.str(pathBuf, "/d"), 0))

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "d", "a"), nil, 0o644))
	require.Equal(t, int32(0), f.sys(t, "__syscall_renameat",
		cwd, f.str(pathBuf, "/d/a"), cwd, f.str(otherBuf, "/d/b")))
	require.Equal(t, int32(0), f.sys(t, "__syscall_faccessat", cwd, f.str(pathBuf, "/d/b"), fs.ROK, 0))

	require.NoError(t, os.Symlink("b", filepath.Join(f.root, "d", "l")))
	n := f.sys(t, "__syscall_readlinkat", cwd, f.str(pathBuf, "/d/l"), outBuf, 64)
	require.Equal(t, int32(1), n)
	assert.Equal(t, "b", string(f.mem.ReadBytes(outBuf, 1)))

	require.Equal(t, int32(0), f.sys(t, "__syscall_unlinkat", cwd, f.str(pathBuf, "/d/l"), 0))
	require.Equal(t, int32(0), f.sys(t, "__syscall_unlinkat", cwd, f.str(pathBuf, "/d/b"), 0))
	require.Equal(t, int32(0), f.sys(t, "__syscall_rmdir", f.str(pathBuf, "/d")))
	assert.Equal(t, -int32(errno.ENOENT), f.sys(t, "__syscall_stat64", f.str(pathBuf, "/d"), statBuf))
}

func TestUtimensat(t *testing.T) {
	f := newFixture(t, nil)
	p := filepath.Join(f.root, "u")
	require.NoError(t, os.WriteFile(p, nil, 0o644))
	before, err := os.Stat(p)
	require.NoError(t, err)

	// atime omitted, mtime set to 1000s.
	f.mem.WriteI64(outBuf, 0)
	f.mem.WriteI32(outBuf+8, int32(fs.UtimeOmit))
	f.mem.WriteI64(outBuf+16, 1000)
	f.mem.WriteI32(outBuf+24, 0)
	require.Equal(t, int32(0), f.sys(t, "__syscall_utimensat", i32arg(fs.AtFdCwd), f.str(pathBuf, "/u"), outBuf, 0))

	after, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), after.ModTime().Unix())
	assert.NotEqual(t, before.ModTime().Unix(), after.ModTime().Unix())

	f.mem.WriteI32(outBuf+8, 2e9)
	assert.Equal(t, -int32(errno.EINVAL), f.sys(t, "__syscall_utimensat", i32arg(fs.AtFdCwd), f.str(pathBuf, "/u"), outBuf, 0))
}

func TestFcntl(t *testing.T) {
	f := newFixture(t, nil)
	fd := f.sys(t, "__syscall_openat", i32arg(fs.AtFdCwd), f.str(pathBuf, "/lock"), i32arg(fs.ORdWr|fs.OCreat), 0)
	require.GreaterOrEqual(t, fd, int32(3))

	f.mem.WriteI32(varBuf, fs.FdCloExec)
	require.Equal(t, int32(0), f.sys(t, "__syscall_fcntl64", uint64(fd), i32arg(fs.FSetFd), varBuf))
	assert.Equal(t, fs.FdCloExec, f.sys(t, "__syscall_fcntl64", uint64(fd), i32arg(fs.FGetFd), 0))

	lk := fs.Flock{Type: fs.FWrLck, Whence: fs.SeekSet, Start: 0, Len: 100}
	lk.Encode(f.mem.View(otherBuf, fs.FlockSize))
	f.mem.WriteU32(varBuf, otherBuf)
	require.Equal(t, int32(0), f.sys(t, "__syscall_fcntl64", uint64(fd), i32arg(fs.FSetLk), varBuf))

	require.Equal(t, int32(0), f.sys(t, "__syscall_fcntl64", uint64(fd), i32arg(fs.FGetLk), varBuf))
	got := fs.DecodeFlock(f.mem.View(otherBuf, fs.FlockSize))
	assert.Equal(t, fs.FUnLck, got.Type, "a process never conflicts with its own lock")

	assert.Equal(t, -int32(errno.EFAULT), f.sys(t, "__syscall_fcntl64", uint64(fd), i32arg(fs.FSetLk), 0))
}

func TestEnvironAndArgs(t *testing.T) {
	f := newFixture(t, nil)

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "environ_sizes_get", outBuf, outBuf+4))
	assert.Equal(t, uint32(2), f.mem.ReadU32(outBuf))
	assert.Equal(t, uint32(len("HOME=/")+len("TZ=UTC")+2), f.mem.ReadU32(outBuf+4))

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "environ_get", outBuf, dataBuf))
	second, err := f.mem.ReadCString(f.mem.ReadU32(outBuf + 4))
	require.NoError(t, err)
	assert.Equal(t, "TZ=UTC", second)

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "args_sizes_get", outBuf, outBuf+4))
	assert.Equal(t, uint32(2), f.mem.ReadU32(outBuf))
	require.Equal(t, errno.ESUCCESS, f.wasi(t, "args_get", outBuf, dataBuf))
	first, err := f.mem.ReadCString(f.mem.ReadU32(outBuf))
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", first)
}

func TestClocksAndRandom(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Random = bytes.NewReader([]byte{1, 2, 3, 4})
	})

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "clock_time_get", clockRealtime, 0, outBuf))
	wall := time.Unix(0, int64(f.mem.ReadU64(outBuf)))
	assert.WithinDuration(t, time.Now(), wall, time.Minute)

	require.Equal(t, errno.ESUCCESS, f.wasi(t, "random_get", dataBuf, 4))
	assert.Equal(t, []byte{1, 2, 3, 4}, f.mem.ReadBytes(dataBuf, 4))
	assert.Equal(t, errno.EIO, f.wasi(t, "random_get", dataBuf, 4), "source exhausted")

	first := math.Float64frombits(f.call(t, ModuleEnv, "emscripten_get_now")[0])
	time.Sleep(2 * time.Millisecond)
	second := math.Float64frombits(f.call(t, ModuleEnv, "emscripten_get_now")[0])
	assert.Greater(t, second, first)
	assert.Equal(t, uint64(1), f.call(t, ModuleEnv, "_emscripten_get_now_is_monotonic")[0])
}

func TestResizeHeap(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, uint64(1), f.call(t, ModuleEnv, "emscripten_resize_heap", engine.PageSize+1)[0])
	assert.Equal(t, uint64(2*engine.PageSize), f.mem.Size())
	assert.Equal(t, uint64(0), f.call(t, ModuleEnv, "emscripten_resize_heap", 3*engine.PageSize)[0])
	assert.Equal(t, uint64(2*engine.PageSize), f.mem.Size())
}

func recovered(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}

func TestExitsPropagate(t *testing.T) {
	f := newFixture(t, nil)

	r := recovered(func() { f.call(t, ModuleWASI, "proc_exit", 3) })
	var exit *errors.ExitError
	require.ErrorAs(t, r.(error), &exit)
	assert.Equal(t, uint32(3), exit.Code)

	r = recovered(func() { f.call(t, ModuleEnv, "exit", 0) })
	assert.True(t, errors.IsExit(r.(error)))

	r = recovered(func() { f.call(t, ModuleEnv, "_abort_js") })
	assert.True(t, errors.IsExit(r.(error)))
}

func TestGuard(t *testing.T) {
	t.Run("unexpected panic becomes EIO", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.FS = nil })
		assert.Equal(t, -int32(errno.EIO), f.sys(t, "__syscall_fstat64", 1, statBuf))
		assert.Equal(t, errno.EIO, f.wasi(t, "fd_close", 1))
	})

	t.Run("fatal errors propagate", func(t *testing.T) {
		f := newFixture(t, nil)
		r := recovered(func() { f.sys(t, "__syscall_fstat64", 1, 3*engine.PageSize) })
		require.NotNil(t, r)
		assert.True(t, errors.IsFatal(r.(error)))
	})
}

func TestStubsUseTheirABI(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.h.Stub(ModuleEnv, "__syscall_ioctl", types(i32, i32, i32), types(i32))
	assert.Equal(t, ABISyscall, d.ABI)
	assert.Equal(t, -int32(errno.ENOSYS), int32(uint32(f.inst.Call(ctx, d.HostFunction, 1, 2, 3)[0])))

	d = f.h.Stub(ModuleWASI, "poll_oneoff", types(i32, i32, i32, i32), types(i32))
	assert.Equal(t, uint64(errno.ENOSYS), f.inst.Call(ctx, d.HostFunction, 0, 0, 0, 0)[0])

	d = f.h.Stub(ModuleEnv, "emscripten_get_heap_max", nil, types(i32))
	assert.Equal(t, uint64(0), f.inst.Call(ctx, d.HostFunction)[0])

	calls := map[string]uint64{}
	for _, s := range f.h.Stats() {
		calls[s.Import] = s.Calls
	}
	assert.Equal(t, uint64(1), calls["env#__syscall_ioctl"])
	assert.Equal(t, uint64(1), calls["wasi_snapshot_preview1#poll_oneoff"])
}

func TestVariadicRetype(t *testing.T) {
	f := newFixture(t, nil)
	d, ok := f.h.Lookup(ModuleEnv, "_emscripten_notify_mailbox_postmessage")
	require.True(t, ok)
	require.True(t, d.Variadic)

	r := d.Retype(types(i32, i32, i32), types(i32))
	assert.Equal(t, []uint64{0}, f.inst.Call(context.Background(), r.HostFunction, 7, 8, 9))
	assert.Empty(t, d.Params, "original is untouched")
}

func TestAtomicWaitNotify(t *testing.T) {
	f := newFixture(t, nil)
	const addr = 0x800
	const forever = ^uint64(0)
	f.mem.AtomicStore32(addr, 5)

	r := f.call(t, ModuleEnv, ImportAtomicWait32, addr, 6, forever)
	assert.Equal(t, uint64(futex.NotEqual), r[0])

	r = f.call(t, ModuleEnv, ImportAtomicWait32, addr, 5, uint64(time.Millisecond))
	assert.Equal(t, uint64(futex.TimedOut), r[0])

	var wg sync.WaitGroup
	wg.Add(1)
	var result uint64
	go func() {
		defer wg.Done()
		result = f.call(t, ModuleEnv, ImportAtomicWait32, addr, 5, forever)[0]
	}()
	require.Eventually(t, func() bool {
		return f.h.cfg.Futex.Waiting(addr) == 1
	}, time.Second, time.Millisecond)
	f.mem.AtomicStore32(addr, 6)
	assert.Equal(t, uint64(1), f.call(t, ModuleEnv, ImportAtomicNotify, addr, i32arg(-1))[0])
	wg.Wait()
	assert.Equal(t, uint64(futex.OK), result)

	f.mem.AtomicStore64(0x810, 1<<40)
	r = f.call(t, ModuleEnv, ImportAtomicWait64, 0x810, 1<<40, uint64(time.Millisecond))
	assert.Equal(t, uint64(futex.TimedOut), r[0])
}

func TestPthreadCreateWithoutManager(t *testing.T) {
	f := newFixture(t, nil)
	r := f.call(t, ModuleEnv, ImportPthreadCreate, 0x1000, 0, 1, 0)
	assert.Equal(t, uint64(errno.EAGAIN), r[0])
}

func TestCallbackTrampolines(t *testing.T) {
	f := newFixture(t, nil)

	var row []sql.NullString
	id := f.reg.Exec.Put(func(_ []string, values []sql.NullString) int32 {
		row = values
		return 0
	})
	f.mem.WriteCString(dataBuf, "42")
	f.mem.WriteU32(outBuf, dataBuf)
	f.mem.WriteU32(outBuf+4, 0)
	r := f.call(t, ModuleEnv, callback.ImportExec, uint64(id), 2, outBuf, 0)
	assert.Equal(t, uint64(0), r[0])
	assert.Equal(t, []sql.NullString{{String: "42", Valid: true}, {}}, row)

	f.reg.SetProgress(0x10, func() int32 { return 1 })
	assert.Equal(t, uint64(1), f.call(t, ModuleEnv, callback.ImportProgress, 0x10)[0])

	f.mem.Write(dataBuf, []byte("ab"))
	f.mem.Write(otherBuf, []byte("b"))
	cid := f.reg.Comparators.Put(callback.Comparator{Compare: func(a, b []byte) int32 {
		return int32(bytes.Compare(a, b))
	}})
	r = f.call(t, ModuleEnv, callback.ImportComparator, uint64(cid), 2, dataBuf, 1, otherBuf)
	assert.Equal(t, i32arg(-1), r[0])

	f.call(t, ModuleEnv, callback.ImportComparatorDestroy, uint64(cid))
	p := recovered(func() { f.call(t, ModuleEnv, callback.ImportComparatorDestroy, uint64(cid)) })
	require.NotNil(t, p)
	assert.True(t, errors.IsFatal(p.(error)), "unknown ids are fatal")
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t, nil)
	defs := f.h.Definitions()
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if i > 0 {
			assert.Less(t, defs[i-1].Key(), d.Key())
		}
		seen[d.Key()] = true
		assert.Equal(t, ABIOf(d.Module, d.Name), d.ABI, d.Key())
	}
	for _, name := range []string{
		"env#__syscall_openat", "env#__syscall_fcntl64", "env#emscripten_resize_heap",
		"env#__pthread_create_js", "env#sqlite3_exec_cb", "wasi_snapshot_preview1#fd_pwrite",
	} {
		assert.True(t, seen[name], name)
	}

	noCallbacks := New(Config{})
	_, ok := noCallbacks.Lookup(ModuleEnv, callback.ImportExec)
	assert.False(t, ok)
}
