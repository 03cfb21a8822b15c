// Package callback connects host closures to the guest's indirect callback
// trampolines.
//
// SQLite calls user callbacks through C function pointers. The host exposes
// one import per callback shape (sqlite3_exec_cb, sqlite3_trace_cb, ...) and
// the guest places those imports in its indirect function table. A driver
// registers a closure in a Store, passes the trampoline's table slot as the
// C function pointer and the returned ID as the user data argument. When the
// guest calls back, the Dispatcher resolves the ID, decodes the arguments
// from linear memory and invokes the closure.
//
// Everything a dispatch needs is captured at registration time, so a
// callback may fire on any OS thread. Invoking an ID that is not registered
// is a host/guest contract breach and panics with a fatal error.
package callback
