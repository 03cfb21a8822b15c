// Package errno defines the numeric error domain shared by the guest's two
// calling conventions.
//
// Emscripten's wasm32 libc uses the WASI errno numbering, so one Errno value
// serves both ABIs. WASI imports return it as a positive result, while
// Emscripten __syscall_* imports return its negation.
package errno

import "strconv"

// Errno is a guest-visible error code. Zero means success.
type Errno uint16

const (
	ESUCCESS        Errno = 0
	E2BIG           Errno = 1
	EACCES          Errno = 2
	EADDRINUSE      Errno = 3
	EADDRNOTAVAIL   Errno = 4
	EAFNOSUPPORT    Errno = 5
	EAGAIN          Errno = 6
	EALREADY        Errno = 7
	EBADF           Errno = 8
	EBADMSG         Errno = 9
	EBUSY           Errno = 10
	ECANCELED       Errno = 11
	ECHILD          Errno = 12
	ECONNABORTED    Errno = 13
	ECONNREFUSED    Errno = 14
	ECONNRESET      Errno = 15
	EDEADLK         Errno = 16
	EDESTADDRREQ    Errno = 17
	EDOM            Errno = 18
	EDQUOT          Errno = 19
	EEXIST          Errno = 20
	EFAULT          Errno = 21
	EFBIG           Errno = 22
	EHOSTUNREACH    Errno = 23
	EIDRM           Errno = 24
	EILSEQ          Errno = 25
	EINPROGRESS     Errno = 26
	EINTR           Errno = 27
	EINVAL          Errno = 28
	EIO             Errno = 29
	EISCONN         Errno = 30
	EISDIR          Errno = 31
	ELOOP           Errno = 32
	EMFILE          Errno = 33
	EMLINK          Errno = 34
	EMSGSIZE        Errno = 35
	EMULTIHOP       Errno = 36
	ENAMETOOLONG    Errno = 37
	ENETDOWN        Errno = 38
	ENETRESET       Errno = 39
	ENETUNREACH     Errno = 40
	ENFILE          Errno = 41
	ENOBUFS         Errno = 42
	ENODEV          Errno = 43
	ENOENT          Errno = 44
	ENOEXEC         Errno = 45
	ENOLCK          Errno = 46
	ENOLINK         Errno = 47
	ENOMEM          Errno = 48
	ENOMSG          Errno = 49
	ENOPROTOOPT     Errno = 50
	ENOSPC          Errno = 51
	ENOSYS          Errno = 52
	ENOTCONN        Errno = 53
	ENOTDIR         Errno = 54
	ENOTEMPTY       Errno = 55
	ENOTRECOVERABLE Errno = 56
	ENOTSOCK        Errno = 57
	ENOTSUP         Errno = 58
	ENOTTY          Errno = 59
	ENXIO           Errno = 60
	EOVERFLOW       Errno = 61
	EOWNERDEAD      Errno = 62
	EPERM           Errno = 63
	EPIPE           Errno = 64
	EPROTO          Errno = 65
	EPROTONOSUPPORT Errno = 66
	EPROTOTYPE      Errno = 67
	ERANGE          Errno = 68
	EROFS           Errno = 69
	ESPIPE          Errno = 70
	ESRCH           Errno = 71
	ESTALE          Errno = 72
	ETIMEDOUT       Errno = 73
	ETXTBSY         Errno = 74
	EXDEV           Errno = 75
	ENOTCAPABLE     Errno = 76
)

var names = [...]string{
	ESUCCESS:     "ESUCCESS",
	E2BIG:        "E2BIG",
	EACCES:       "EACCES",
	EAGAIN:       "EAGAIN",
	EBADF:        "EBADF",
	EBUSY:        "EBUSY",
	EDEADLK:      "EDEADLK",
	EEXIST:       "EEXIST",
	EFAULT:       "EFAULT",
	EFBIG:        "EFBIG",
	EINTR:        "EINTR",
	EINVAL:       "EINVAL",
	EIO:          "EIO",
	EISDIR:       "EISDIR",
	ELOOP:        "ELOOP",
	EMFILE:       "EMFILE",
	EMLINK:       "EMLINK",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOENT:       "ENOENT",
	ENOLCK:       "ENOLCK",
	ENOMEM:       "ENOMEM",
	ENOSPC:       "ENOSPC",
	ENOSYS:       "ENOSYS",
	ENOTDIR:      "ENOTDIR",
	ENOTEMPTY:    "ENOTEMPTY",
	ENOTSUP:      "ENOTSUP",
	ENOTTY:       "ENOTTY",
	ENXIO:        "ENXIO",
	EOVERFLOW:    "EOVERFLOW",
	EPERM:        "EPERM",
	EPIPE:        "EPIPE",
	ERANGE:       "ERANGE",
	EROFS:        "EROFS",
	ESPIPE:       "ESPIPE",
	ETIMEDOUT:    "ETIMEDOUT",
	EXDEV:        "EXDEV",
	ENOTCAPABLE:  "ENOTCAPABLE",
}

// Name returns the symbolic name, or "errno(N)" for codes without one.
func (e Errno) Name() string {
	if int(e) < len(names) && names[e] != "" {
		return names[e]
	}
	return "errno(" + strconv.Itoa(int(e)) + ")"
}

func (e Errno) Error() string {
	return e.Name()
}

func (e Errno) String() string {
	return e.Name()
}

// WASI encodes the errno for a wasi_snapshot_preview1 result.
func (e Errno) WASI() int32 {
	return int32(e)
}

// Syscall encodes the errno for an Emscripten __syscall_* result.
func (e Errno) Syscall() int32 {
	return -int32(e)
}

// Err returns nil for ESUCCESS and e otherwise.
func (e Errno) Err() error {
	if e == ESUCCESS {
		return nil
	}
	return e
}
