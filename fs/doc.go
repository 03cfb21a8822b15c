// Package fs implements the POSIX file operations a guest issues through
// its WASI and Emscripten syscall imports.
//
// Descriptors are small integers owned by an FdTable. Each maps to a host
// *os.File plus an emulated position, so pread/pwrite never disturb the
// position used by read/write and the host file offset is never relied on.
// Descriptors 0, 1 and 2 are pre-opened streams.
//
// Every operation returns its result next to an errno.Errno. Host failures
// are mapped with errno.FromError; nothing panics on a guest-visible error.
package fs
