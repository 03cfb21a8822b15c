// Package engine defines the backend-neutral surface the host is written
// against.
//
// A backend (wazeroengine, wasmtimeengine) compiles a core module together
// with the host functions satisfying its imports:
//
//	Engine    compiles guests; reports whether shared memory is supported
//	Module    a compiled guest; every Instantiate yields a fresh instance
//	Instance  exports, linear memory and the indirect function table
//
// Host functions receive their parameters and write their results on one
// stack of uint64 values, the convention shared by both backends:
//
//	engine.HostFunction{
//	    Module:  "env",
//	    Name:    "__syscall_getpid",
//	    Results: []engine.ValueType{engine.I32},
//	    Func: func(ctx context.Context, c engine.Caller, stack []uint64) {
//	        stack[0] = 42
//	    },
//	}
//
// Caller gives a host function the memory of the instance that called it,
// which differs per thread when the guest runs on several instances.
//
// # Tables
//
// Table.Lookup resolves a slot of the guest's function table and checks its
// signature before a call. Table.Install appends a host function to the
// table; backends that cannot grow a table from the host return an error,
// and callers fall back to the slots the guest placed itself.
//
// # Logging
//
// Backends log through Logger, a zap logger that discards everything until
// SetLogger is called.
package engine
