package errno

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// FromError maps a host error onto the nearest guest errno. Unknown
// failures become EIO.
func FromError(err error) Errno {
	if err == nil {
		return ESUCCESS
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		return FromSyscall(sysErr)
	}
	switch {
	case errors.Is(err, os.ErrClosed):
		return EBADF
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	case errors.Is(err, fs.ErrInvalid):
		return EINVAL
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return ECANCELED
	}
	return EIO
}

// FromSyscall maps a host syscall.Errno onto the guest numbering.
func FromSyscall(e syscall.Errno) Errno {
	if e == 0 {
		return ESUCCESS
	}
	if v, ok := hostErrnos[e]; ok {
		return v
	}
	return EIO
}

var hostErrnos = map[syscall.Errno]Errno{
	syscall.E2BIG:        E2BIG,
	syscall.EACCES:       EACCES,
	syscall.EAGAIN:       EAGAIN,
	syscall.EBADF:        EBADF,
	syscall.EBUSY:        EBUSY,
	syscall.EDEADLK:      EDEADLK,
	syscall.EEXIST:       EEXIST,
	syscall.EFAULT:       EFAULT,
	syscall.EFBIG:        EFBIG,
	syscall.EINTR:        EINTR,
	syscall.EINVAL:       EINVAL,
	syscall.EIO:          EIO,
	syscall.EISDIR:       EISDIR,
	syscall.ELOOP:        ELOOP,
	syscall.EMFILE:       EMFILE,
	syscall.EMLINK:       EMLINK,
	syscall.ENAMETOOLONG: ENAMETOOLONG,
	syscall.ENFILE:       ENFILE,
	syscall.ENODEV:       ENODEV,
	syscall.ENOENT:       ENOENT,
	syscall.ENOLCK:       ENOLCK,
	syscall.ENOMEM:       ENOMEM,
	syscall.ENOSPC:       ENOSPC,
	syscall.ENOSYS:       ENOSYS,
	syscall.ENOTDIR:      ENOTDIR,
	syscall.ENOTEMPTY:    ENOTEMPTY,
	syscall.ENOTSUP:      ENOTSUP,
	syscall.ENOTTY:       ENOTTY,
	syscall.ENXIO:        ENXIO,
	syscall.EPERM:        EPERM,
	syscall.EPIPE:        EPIPE,
	syscall.ERANGE:       ERANGE,
	syscall.EROFS:        EROFS,
	syscall.ESPIPE:       ESPIPE,
	syscall.ETIMEDOUT:    ETIMEDOUT,
	syscall.EXDEV:        EXDEV,
}
