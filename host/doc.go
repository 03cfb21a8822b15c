// Package host defines the imports a SQLite guest built with Emscripten
// expects: the WASI preview1 subset, the __syscall_* family, the Emscripten
// runtime helpers, the pthread bridge, atomic wait/notify and the sqlite3
// callback trampolines.
//
// Definitions are engine neutral. Each one decodes its arguments from the
// uint64 stack, calls into fs, callback, futex or pthread, and encodes the
// result in the convention of its ABI:
//
//   - WASI functions return a positive errno, zero on success.
//   - __syscall_* functions return a non-negative result or a negative errno.
//   - Everything else returns plain values.
//
// A panic inside a definition is recovered and returned as EIO, except for
// fatal errors and guest exits, which propagate so the engine aborts the
// guest call.
package host
