//go:build linux || darwin

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

const hostNoFollow = unix.O_NOFOLLOW

func control(f *os.File, fn func(fd uintptr) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(fd) }); err != nil {
		return err
	}
	return opErr
}

func statPath(hostPath string, follow bool) (Stat, error) {
	var st unix.Stat_t
	var err error
	if follow {
		err = unix.Stat(hostPath, &st)
	} else {
		err = unix.Lstat(hostPath, &st)
	}
	if err != nil {
		return Stat{}, &os.PathError{Op: "stat", Path: hostPath, Err: err}
	}
	return fromUnix(hostPath, &st), nil
}

func statFile(f *os.File) (Stat, error) {
	var st unix.Stat_t
	err := control(f, func(fd uintptr) error {
		return unix.Fstat(int(fd), &st)
	})
	if err != nil {
		return Stat{}, err
	}
	return fromUnix(f.Name(), &st), nil
}

func hostLockType(t int16) int16 {
	switch t {
	case FRdLck:
		return int16(unix.F_RDLCK)
	case FWrLck:
		return int16(unix.F_WRLCK)
	default:
		return int16(unix.F_UNLCK)
	}
}

func guestLockType(t int16) int16 {
	switch t {
	case int16(unix.F_RDLCK):
		return FRdLck
	case int16(unix.F_WRLCK):
		return FWrLck
	default:
		return FUnLck
	}
}

// hostLock applies a POSIX advisory lock. lk.Whence is SeekSet or SeekEnd;
// SeekCur is resolved by the caller against the emulated position.
func hostLock(f *os.File, cmd int32, lk *Flock) error {
	var hcmd int
	switch cmd {
	case FGetLk:
		hcmd = unix.F_GETLK
	case FSetLk:
		hcmd = unix.F_SETLK
	default:
		hcmd = unix.F_SETLKW
	}
	hl := unix.Flock_t{
		Type:   hostLockType(lk.Type),
		Whence: lk.Whence,
		Start:  lk.Start,
		Len:    lk.Len,
	}
	err := control(f, func(fd uintptr) error {
		return unix.FcntlFlock(fd, hcmd, &hl)
	})
	if err != nil {
		return err
	}
	if cmd == FGetLk {
		lk.Type = guestLockType(hl.Type)
		lk.Whence = hl.Whence
		lk.Start = hl.Start
		lk.Len = hl.Len
		lk.Pid = hl.Pid
	}
	return nil
}

func hostTimespec(t Timespec) unix.Timespec {
	switch t.Nsec {
	case UtimeNow:
		return unix.Timespec{Nsec: unix.UTIME_NOW}
	case UtimeOmit:
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.Sec*1e9 + t.Nsec)
}

func setTimes(hostPath string, atime, mtime Timespec, nofollow bool) error {
	flags := 0
	if nofollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	ts := []unix.Timespec{hostTimespec(atime), hostTimespec(mtime)}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, hostPath, ts, flags); err != nil {
		return &os.PathError{Op: "utimensat", Path: hostPath, Err: err}
	}
	return nil
}

func access(hostPath string, mode uint32) error {
	if err := unix.Access(hostPath, mode); err != nil {
		return &os.PathError{Op: "access", Path: hostPath, Err: err}
	}
	return nil
}
