package fs

import (
	"encoding/binary"

	"github.com/wippyai/wasm-sqlite/errno"
)

// Flock is a guest struct flock.
type Flock struct {
	Start  int64
	Len    int64
	Pid    int32
	Type   int16
	Whence int16
}

// FlockSize is sizeof(struct flock) for Emscripten wasm32.
const FlockSize = 32

// DecodeFlock reads a struct flock.
func DecodeFlock(b []byte) Flock {
	le := binary.LittleEndian
	_ = b[FlockSize-1]
	return Flock{
		Type:   int16(le.Uint16(b[0:])),
		Whence: int16(le.Uint16(b[2:])),
		Start:  int64(le.Uint64(b[8:])),
		Len:    int64(le.Uint64(b[16:])),
		Pid:    int32(le.Uint32(b[24:])),
	}
}

// Encode writes the struct flock layout into b.
func (l Flock) Encode(b []byte) {
	le := binary.LittleEndian
	_ = b[FlockSize-1]
	le.PutUint16(b[0:], uint16(l.Type))
	le.PutUint16(b[2:], uint16(l.Whence))
	le.PutUint64(b[8:], uint64(l.Start))
	le.PutUint64(b[16:], uint64(l.Len))
	le.PutUint32(b[24:], uint32(l.Pid))
}

// IsLockCmd reports whether cmd takes a struct flock argument.
func IsLockCmd(cmd int32) bool {
	switch cmd {
	case FGetLk, FSetLk, FSetLkW, FGetLkLegacy, FSetLkLegacy, FSetLkWLegacy:
		return true
	}
	return false
}

func normalizeLockCmd(cmd int32) int32 {
	switch cmd {
	case FGetLkLegacy:
		return FGetLk
	case FSetLkLegacy:
		return FSetLk
	case FSetLkWLegacy:
		return FSetLkW
	}
	return cmd
}

// Fcntl implements the descriptor and status flag commands. Lock commands
// go through Lock.
func (fsys *FileSystem) Fcntl(fd int32, cmd int32, arg int32) (int32, errno.Errno) {
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return -1, e
	}
	switch cmd {
	case FDupFd, FDupFdCloExec:
		nfd, e := fsys.fds.Insert(f.acquire(), arg, cmd == FDupFdCloExec)
		if e != errno.ESUCCESS {
			f.release()
			return -1, e
		}
		return nfd, errno.ESUCCESS
	case FGetFd:
		cloExec, e := fsys.fds.CloExec(fd)
		if e != errno.ESUCCESS {
			return -1, e
		}
		if cloExec {
			return FdCloExec, errno.ESUCCESS
		}
		return 0, errno.ESUCCESS
	case FSetFd:
		return 0, fsys.fds.SetCloExec(fd, arg&FdCloExec != 0)
	case FGetFl:
		return f.flags.Load(), errno.ESUCCESS
	case FSetFl:
		const settable = OAppend | ONonBlock
		for {
			old := f.flags.Load()
			if f.flags.CompareAndSwap(old, old&^settable|arg&settable) {
				return 0, errno.ESUCCESS
			}
		}
	case FGetOwn, FSetOwn:
		return 0, errno.ESUCCESS
	}
	return -1, errno.EINVAL
}

// Lock implements F_GETLK, F_SETLK and F_SETLKW with host advisory locks.
// For F_GETLK lk is updated in place.
func (fsys *FileSystem) Lock(fd int32, cmd int32, lk *Flock) errno.Errno {
	if !IsLockCmd(cmd) {
		return errno.EINVAL
	}
	cmd = normalizeLockCmd(cmd)
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return e
	}
	if f.IsStream() {
		return errno.EBADF
	}
	switch lk.Type {
	case FRdLck:
		if cmd != FGetLk && !f.canRead() {
			return errno.EBADF
		}
	case FWrLck:
		if cmd != FGetLk && !f.canWrite() {
			return errno.EBADF
		}
	case FUnLck:
	default:
		return errno.EINVAL
	}

	req := *lk
	switch req.Whence {
	case SeekSet, SeekEnd:
	case SeekCur:
		req.Start += f.Position()
		req.Whence = SeekSet
	default:
		return errno.EINVAL
	}
	if err := hostLock(f.host, cmd, &req); err != nil {
		return errno.FromError(err)
	}
	if cmd == FGetLk {
		*lk = req
	}
	return errno.ESUCCESS
}

// Fdstat is a WASI __wasi_fdstat_t.
type Fdstat struct {
	RightsBase       uint64
	RightsInheriting uint64
	Flags            uint16
	Filetype         uint8
}

// FdstatSize is sizeof(__wasi_fdstat_t).
const FdstatSize = 24

// WASI fdflags.
const (
	FdflagAppend   uint16 = 1
	FdflagDsync    uint16 = 2
	FdflagNonblock uint16 = 4
	FdflagRsync    uint16 = 8
	FdflagSync     uint16 = 16
)

const allRights = ^uint64(0) >> 35

// Fdstat describes fd for fd_fdstat_get.
func (fsys *FileSystem) Fdstat(fd int32) (Fdstat, errno.Errno) {
	st, e := fsys.Fstat(fd)
	if e != errno.ESUCCESS {
		return Fdstat{}, e
	}
	f, e := fsys.file(fd)
	if e != errno.ESUCCESS {
		return Fdstat{}, e
	}
	flags := f.flags.Load()

	out := Fdstat{Filetype: st.Filetype(), RightsBase: allRights, RightsInheriting: allRights}
	if flags&OAppend != 0 {
		out.Flags |= FdflagAppend
	}
	if flags&ONonBlock != 0 {
		out.Flags |= FdflagNonblock
	}
	if flags&OSync == OSync {
		out.Flags |= FdflagSync
	} else if flags&ODSync != 0 {
		out.Flags |= FdflagDsync
	}
	return out, errno.ESUCCESS
}

// Encode writes the fdstat layout into b.
func (s Fdstat) Encode(b []byte) {
	le := binary.LittleEndian
	_ = b[FdstatSize-1]
	b[0] = s.Filetype
	b[1] = 0
	le.PutUint16(b[2:], s.Flags)
	le.PutUint32(b[4:], 0)
	le.PutUint64(b[8:], s.RightsBase)
	le.PutUint64(b[16:], s.RightsInheriting)
}
