// Package runtime hosts an Emscripten-built SQLite guest.
//
// # Quick Start
//
//	ctx := context.Background()
//	cfg := runtime.NewConfig().
//	    WithRoot("/var/lib/app").
//	    WithStdio(nil, os.Stdout, os.Stderr)
//
//	rt, err := runtime.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	inst, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := inst.Call(ctx, "sqlite3_libversion_number")
//
// # Linking
//
// Load decodes the guest's import section and resolves every function
// import against the host definitions in package host. Imports the host
// does not define fail the load with *errors.MissingImportsError, unless
// Config.StubMissingImports is set:
//
//	provided   host definition with the guest's signature
//	retyped    variadic no-op adapted to the guest's signature
//	stubbed    returns ENOSYS in the import's ABI
//	missing    load fails
//	mismatch   load fails; the host signature differs
//
// Inspect produces the same report without loading the guest.
//
// # Callbacks
//
// The sqlite3_*_cb trampolines are found in the guest's element segments.
// Their slots are available through Instance.Slot. Closures are registered
// in Runtime.Callbacks before the guest is asked to call them.
//
// # Threads
//
// With a backend that supports shared memory (wazero), every
// __pthread_create_js call starts an OS thread running a fresh instance of
// the guest. The wasmtime backend is single threaded and pthread_create
// fails with EAGAIN there.
//
// # Teardown
//
// Close joins every guest thread before any instance is closed, then
// drops callbacks, closes descriptors and releases the engine it created.
// A guest that hits a fatal host invariant aborts the current call; the
// runtime should be closed afterwards.
package runtime
