// Package wasmsqlite hosts SQLite builds compiled with Emscripten to
// WebAssembly.
//
// The guest is a plain core module importing WASI preview1, Emscripten's
// "env" syscalls, pthread helpers and the SQLite callback trampolines. The
// host side is split by concern:
//
//	wasmsqlite/
//	├── runtime/     Load, link and run one guest; the entry point
//	├── host/        Import table: WASI, syscalls, atomics, trampolines
//	├── fs/          Descriptor table and path resolution under a root
//	├── errno/       Host error to WASI and Linux errno mapping
//	├── memory/      Bounds-checked access to guest linear memory
//	├── callback/    Registered Go closures behind the sqlite3_*_cb imports
//	├── futex/       Wait lists for memory.atomic.wait and notify
//	├── pthread/     Guest threads, one instance per OS thread
//	├── engine/      Backend interfaces; wazeroengine and wasmtimeengine
//	└── errors/      Structured errors shared by every package
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.NewConfig().WithRoot(dataDir))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	inst, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := inst.Call(ctx, "sqlite3_libversion_number")
//
// # Backends
//
// wazero is the default and supports threads through shared memory.
// wasmtime runs single threaded guests; pthread_create fails with EAGAIN.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Calls into one Instance must not
// overlap; guest threads run on instances of their own.
package wasmsqlite
