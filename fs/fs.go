package fs

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/memory"
)

// Config configures a FileSystem.
type Config struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger

	// Root, when set, confines guest paths to this host directory: the
	// guest sees it as "/" and cannot climb above it.
	Root string

	// Cwd is the initial guest working directory. Defaults to the host
	// working directory, or "/" when Root is set.
	Cwd string

	// MaxFiles bounds the descriptor table. Zero means DefaultMaxFiles.
	MaxFiles int32
}

// FileSystem is the guest's view of the host filesystem.
type FileSystem struct {
	fds   *FdTable
	log   *zap.Logger
	root  string
	cwd   string
	cwdMu sync.RWMutex
}

// New creates a FileSystem with stdio bound to descriptors 0-2.
func New(cfg Config) (*FileSystem, error) {
	fsys := &FileSystem{
		fds: NewFdTable(cfg.MaxFiles),
		log: engine.LoggerOr(cfg.Logger).Named("fs"),
	}
	if cfg.Root != "" {
		root, err := filepath.Abs(cfg.Root)
		if err != nil {
			return nil, err
		}
		fsys.root = root
	}
	if fsys.root != "" {
		fsys.cwd = path.Clean("/" + filepath.ToSlash(cfg.Cwd))
	} else {
		wd := cfg.Cwd
		if wd == "" {
			var err error
			if wd, err = os.Getwd(); err != nil {
				return nil, err
			}
		}
		wd, err := filepath.Abs(wd)
		if err != nil {
			return nil, err
		}
		fsys.cwd = filepath.ToSlash(wd)
	}

	stdin := cfg.Stdin
	if stdin == nil {
		stdin = eofReader{}
	}
	stdout, stderr := cfg.Stdout, cfg.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	fsys.fds.Insert(newStream("/dev/stdin", stdin, nil), 0, false)
	fsys.fds.Insert(newStream("/dev/stdout", nil, stdout), 1, false)
	fsys.fds.Insert(newStream("/dev/stderr", nil, stderr), 2, false)
	return fsys, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Fds exposes the descriptor table.
func (fsys *FileSystem) Fds() *FdTable { return fsys.fds }

// Close closes every open descriptor.
func (fsys *FileSystem) Close() error {
	var first error
	for _, f := range fsys.fds.drain() {
		if err := f.release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// hostPath maps an absolute guest path to the host.
func (fsys *FileSystem) hostPath(guest string) string {
	if fsys.root == "" {
		return filepath.FromSlash(guest)
	}
	return filepath.Join(fsys.root, filepath.FromSlash(guest))
}

// resolve turns (dirfd, p) into an absolute guest path and its host path.
func (fsys *FileSystem) resolve(dirfd int32, p string) (string, string, errno.Errno) {
	if p == "" {
		return "", "", errno.ENOENT
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", "", errno.EINVAL
	}
	var guest string
	switch {
	case strings.HasPrefix(p, "/"):
		guest = path.Clean(p)
	case dirfd == AtFdCwd:
		guest = path.Join(fsys.Getwd(), p)
	default:
		dir, e := fsys.fds.Get(dirfd)
		if e != errno.ESUCCESS {
			return "", "", e
		}
		if !dir.dir {
			return "", "", errno.ENOTDIR
		}
		guest = path.Join(dir.path, p)
	}
	return guest, fsys.hostPath(guest), errno.ESUCCESS
}

// Getwd returns the guest working directory.
func (fsys *FileSystem) Getwd() string {
	fsys.cwdMu.RLock()
	defer fsys.cwdMu.RUnlock()
	return fsys.cwd
}

// Getcwd returns the working directory if it fits, with its terminator, in
// size bytes.
func (fsys *FileSystem) Getcwd(size uint32) (string, errno.Errno) {
	cwd := fsys.Getwd()
	if uint64(len(cwd))+1 > uint64(size) {
		return "", errno.ERANGE
	}
	return cwd, errno.ESUCCESS
}

// Chdir changes the working directory.
func (fsys *FileSystem) Chdir(p string) errno.Errno {
	guest, host, e := fsys.resolve(AtFdCwd, p)
	if e != errno.ESUCCESS {
		return e
	}
	st, err := statPath(host, true)
	if err != nil {
		return errno.FromError(err)
	}
	if !st.IsDir() {
		return errno.ENOTDIR
	}
	fsys.cwdMu.Lock()
	fsys.cwd = guest
	fsys.cwdMu.Unlock()
	return errno.ESUCCESS
}

func hostOpenFlags(flags int32) int {
	var f int
	switch flags & OAccMode {
	case OWrOnly:
		f = os.O_WRONLY
	case ORdWr:
		f = os.O_RDWR
	default:
		f = os.O_RDONLY
	}
	if flags&OCreat != 0 {
		f |= os.O_CREATE
	}
	if flags&OExcl != 0 {
		f |= os.O_EXCL
	}
	if flags&OTrunc != 0 {
		f |= os.O_TRUNC
	}
	if flags&ONoFollow != 0 {
		f |= hostNoFollow
	}
	return f
}

// Open opens p relative to dirfd and returns the new descriptor.
// O_APPEND is emulated so positioned writes keep working.
func (fsys *FileSystem) Open(dirfd int32, p string, flags int32, mode uint32) (int32, errno.Errno) {
	guest, host, e := fsys.resolve(dirfd, p)
	if e != errno.ESUCCESS {
		return -1, e
	}
	if flags&OPath != 0 {
		flags &^= OAccMode | OCreat | OTrunc
	}

	if flags&ODirectory != 0 {
		st, err := statPath(host, flags&ONoFollow == 0)
		if err != nil {
			return -1, errno.FromError(err)
		}
		if !st.IsDir() {
			return -1, errno.EISDIR
		}
	}

	f, err := os.OpenFile(host, hostOpenFlags(flags), os.FileMode(mode&0o7777))
	if err != nil {
		e := errno.FromError(err)
		fsys.log.Debug("open failed", zap.String("path", guest), zap.Int32("flags", flags), zap.Stringer("errno", e))
		return -1, e
	}
	st, err := statFile(f)
	if err != nil {
		f.Close()
		return -1, errno.FromError(err)
	}

	file := newHostFile(f, guest, flags&^(OCreat|OExcl|OTrunc|OCloExec), st.IsDir())
	fd, e := fsys.fds.Insert(file, 0, flags&OCloExec != 0)
	if e != errno.ESUCCESS {
		f.Close()
		return -1, e
	}
	fsys.log.Debug("open", zap.String("path", guest), zap.Int32("fd", fd))
	return fd, errno.ESUCCESS
}

// CloseFd closes a descriptor. The host file is closed with the last
// descriptor sharing it; a concurrent blocked read on it fails with EBADF.
func (fsys *FileSystem) CloseFd(fd int32) errno.Errno {
	f, e := fsys.fds.Remove(fd)
	if e != errno.ESUCCESS {
		return e
	}
	return errno.FromError(f.release())
}

func (fsys *FileSystem) file(fd int32) (*File, errno.Errno) {
	return fsys.fds.Get(fd)
}

// Read fills iovs from fd's current position and advances it.
func (fsys *FileSystem) Read(mem *memory.Accessor, fd int32, iovs []memory.IOVec) (uint32, errno.Errno) {
	return fsys.transfer(mem, fd, iovs, memory.ChangePosition, 0, false)
}

// Pread fills iovs from offset without touching the position.
func (fsys *FileSystem) Pread(mem *memory.Accessor, fd int32, iovs []memory.IOVec, offset int64) (uint32, errno.Errno) {
	return fsys.transfer(mem, fd, iovs, memory.DoNotChangePosition, offset, false)
}

// Write drains iovs at fd's current position and advances it.
func (fsys *FileSystem) Write(mem *memory.Accessor, fd int32, iovs []memory.IOVec) (uint32, errno.Errno) {
	return fsys.transfer(mem, fd, iovs, memory.ChangePosition, 0, true)
}

// Pwrite drains iovs at offset without touching the position.
func (fsys *FileSystem) Pwrite(mem *memory.Accessor, fd int32, iovs []memory.IOVec, offset int64) (uint32, errno.Errno) {
	return fsys.transfer(mem, fd, iovs, memory.DoNotChangePosition, offset, true)
}

func (fsys *FileSystem) transfer(mem *memory.Accessor, fd int32, iovs []memory.IOVec, strategy memory.PositionStrategy, offset int64, write bool) (uint32, errno.Errno) {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return 0, e
	}
	if write && !f.canWrite() || !write && !f.canRead() {
		return 0, errno.EBADF
	}
	if f.dir {
		return 0, errno.EISDIR
	}
	if strategy == memory.DoNotChangePosition {
		if f.IsStream() {
			return 0, errno.ESPIPE
		}
		if offset < 0 {
			return 0, errno.EINVAL
		}
	} else {
		f.mu.Lock()
		defer f.mu.Unlock()
	}

	var n uint32
	var err error
	if write {
		n, err = mem.WriteV(cursor{f}, iovs, strategy, offset)
	} else {
		n, err = mem.ReadV(cursor{f}, iovs, strategy, offset)
	}
	if err != nil && n == 0 {
		return 0, errno.FromError(err)
	}
	return n, errno.ESUCCESS
}

// Seek moves fd's position. A resulting negative position is EINVAL and
// leaves the position unchanged.
func (fsys *FileSystem) Seek(fd int32, offset int64, whence int) (int64, errno.Errno) {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return -1, e
	}
	if f.IsStream() {
		return -1, errno.ESPIPE
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
	case SeekCur:
		base = f.pos
	case SeekEnd:
		st, err := statFile(f.host)
		if err != nil {
			return -1, errno.FromError(err)
		}
		base = st.Size
	default:
		return -1, errno.EINVAL
	}
	next := base + offset
	if next < 0 || (offset > 0 && next < base) {
		return -1, errno.EINVAL
	}
	f.pos = next
	return next, errno.ESUCCESS
}

// Stat follows symlinks.
func (fsys *FileSystem) Stat(p string) (Stat, errno.Errno) {
	return fsys.Fstatat(AtFdCwd, p, 0)
}

// Lstat does not follow a trailing symlink.
func (fsys *FileSystem) Lstat(p string) (Stat, errno.Errno) {
	return fsys.Fstatat(AtFdCwd, p, AtSymlinkNoFollow)
}

// Fstat describes an open descriptor.
func (fsys *FileSystem) Fstat(fd int32) (Stat, errno.Errno) {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return Stat{}, e
	}
	if f.IsStream() {
		return streamStat(fd), errno.ESUCCESS
	}
	st, err := statFile(f.host)
	if err != nil {
		return Stat{}, errno.FromError(err)
	}
	return st, errno.ESUCCESS
}

// Fstatat implements newfstatat, honouring AT_EMPTY_PATH and
// AT_SYMLINK_NOFOLLOW.
func (fsys *FileSystem) Fstatat(dirfd int32, p string, flags int32) (Stat, errno.Errno) {
	if p == "" && flags&AtEmptyPath != 0 {
		return fsys.Fstat(dirfd)
	}
	_, host, e := fsys.resolve(dirfd, p)
	if e != errno.ESUCCESS {
		return Stat{}, e
	}
	st, err := statPath(host, flags&AtSymlinkNoFollow == 0)
	if err != nil {
		return Stat{}, errno.FromError(err)
	}
	return st, errno.ESUCCESS
}

// Truncate resizes the file at p.
func (fsys *FileSystem) Truncate(p string, size int64) errno.Errno {
	if size < 0 {
		return errno.EINVAL
	}
	_, host, e := fsys.resolve(AtFdCwd, p)
	if e != errno.ESUCCESS {
		return e
	}
	return errno.FromError(os.Truncate(host, size))
}

// Ftruncate resizes an open file. The position is left alone.
func (fsys *FileSystem) Ftruncate(fd int32, size int64) errno.Errno {
	if size < 0 {
		return errno.EINVAL
	}
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return e
	}
	if f.IsStream() || f.dir {
		return errno.EINVAL
	}
	if !f.canWrite() {
		return errno.EBADF
	}
	return errno.FromError(f.host.Truncate(size))
}

// Unlinkat removes a file, or a directory when flags has AT_REMOVEDIR.
// The flag must match the target: a directory without it is EISDIR and a
// file with it is ENOTDIR.
func (fsys *FileSystem) Unlinkat(dirfd int32, p string, flags int32) errno.Errno {
	_, host, e := fsys.resolve(dirfd, p)
	if e != errno.ESUCCESS {
		return e
	}
	st, err := statPath(host, false)
	if err != nil {
		return errno.FromError(err)
	}
	removeDir := flags&AtRemoveDir != 0
	switch {
	case removeDir && !st.IsDir():
		return errno.ENOTDIR
	case !removeDir && st.IsDir():
		return errno.EISDIR
	}
	return errno.FromError(os.Remove(host))
}

// Rmdir removes an empty directory.
func (fsys *FileSystem) Rmdir(p string) errno.Errno {
	return fsys.Unlinkat(AtFdCwd, p, AtRemoveDir)
}

// Mkdirat creates a directory.
func (fsys *FileSystem) Mkdirat(dirfd int32, p string, mode uint32) errno.Errno {
	_, host, e := fsys.resolve(dirfd, p)
	if e != errno.ESUCCESS {
		return e
	}
	return errno.FromError(os.Mkdir(host, os.FileMode(mode&0o777)))
}

// Fchown changes ownership of an open file. An id of -1 keeps the current
// value.
func (fsys *FileSystem) Fchown(fd int32, uid, gid int32) errno.Errno {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return e
	}
	if f.IsStream() {
		return errno.EINVAL
	}
	return errno.FromError(f.host.Chown(int(uid), int(gid)))
}

// Fchmod changes the permission bits of an open file.
func (fsys *FileSystem) Fchmod(fd int32, mode uint32) errno.Errno {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return e
	}
	if f.IsStream() {
		return errno.EINVAL
	}
	return errno.FromError(f.host.Chmod(os.FileMode(mode & 0o7777)))
}

// Chmod changes the permission bits of p.
func (fsys *FileSystem) Chmod(p string, mode uint32) errno.Errno {
	_, host, e := fsys.resolve(AtFdCwd, p)
	if e != errno.ESUCCESS {
		return e
	}
	return errno.FromError(os.Chmod(host, os.FileMode(mode&0o7777)))
}

// Utimensat sets access and modification times. A Nsec of UtimeOmit
// leaves that timestamp unchanged and UtimeNow uses the current time.
// A nil times sets both to now.
func (fsys *FileSystem) Utimensat(dirfd int32, p string, times *[2]Timespec, flags int32) errno.Errno {
	var host string
	if p == "" && flags&AtEmptyPath != 0 {
		f, e := fsys.file(dirfd)
		if e != errno.ESUCCESS {
			return e
		}
		if f.IsStream() {
			return errno.ESUCCESS
		}
		host = f.host.Name()
	} else {
		var e errno.Errno
		if _, host, e = fsys.resolve(dirfd, p); e != errno.ESUCCESS {
			return e
		}
	}
	atime, mtime := Timespec{Nsec: UtimeNow}, Timespec{Nsec: UtimeNow}
	if times != nil {
		atime, mtime = times[0], times[1]
		for _, ts := range times {
			if ts.Nsec != UtimeNow && ts.Nsec != UtimeOmit && (ts.Nsec < 0 || ts.Nsec >= 1e9) {
				return errno.EINVAL
			}
		}
	}
	if atime.Nsec == UtimeOmit && mtime.Nsec == UtimeOmit {
		return errno.ESUCCESS
	}
	return errno.FromError(setTimes(host, atime, mtime, flags&AtSymlinkNoFollow != 0))
}

// Faccessat checks accessibility of p for the given R_OK/W_OK/X_OK bits.
func (fsys *FileSystem) Faccessat(dirfd int32, p string, mode uint32) errno.Errno {
	if mode&^uint32(ROK|WOK|XOK) != 0 {
		return errno.EINVAL
	}
	_, host, e := fsys.resolve(dirfd, p)
	if e != errno.ESUCCESS {
		return e
	}
	return errno.FromError(access(host, mode))
}

// Readlinkat returns the target of a symlink.
func (fsys *FileSystem) Readlinkat(dirfd int32, p string) (string, errno.Errno) {
	_, host, e := fsys.resolve(dirfd, p)
	if e != errno.ESUCCESS {
		return "", e
	}
	target, err := os.Readlink(host)
	if err != nil {
		return "", errno.FromError(err)
	}
	return filepath.ToSlash(target), errno.ESUCCESS
}

// Renameat moves oldPath to newPath.
func (fsys *FileSystem) Renameat(oldDirfd int32, oldPath string, newDirfd int32, newPath string) errno.Errno {
	_, oldHost, e := fsys.resolve(oldDirfd, oldPath)
	if e != errno.ESUCCESS {
		return e
	}
	_, newHost, e := fsys.resolve(newDirfd, newPath)
	if e != errno.ESUCCESS {
		return e
	}
	return errno.FromError(os.Rename(oldHost, newHost))
}

// Sync flushes fd. With metadata false only file data is flushed, as
// fdatasync does.
func (fsys *FileSystem) Sync(fd int32, metadata bool) errno.Errno {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return e
	}
	if f.IsStream() {
		return errno.ESUCCESS
	}
	if metadata {
		return errno.FromError(f.host.Sync())
	}
	return errno.FromError(datasync(f.host))
}
