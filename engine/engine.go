package engine

import (
	"context"
	"fmt"
)

// ValueType is a WebAssembly core value type, encoded as in the binary format.
type ValueType byte

const (
	I32 ValueType = 0x7f
	I64 ValueType = 0x7e
	F32 ValueType = 0x7d
	F64 ValueType = 0x7c
)

func (v ValueType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return fmt.Sprintf("valtype(%#x)", byte(v))
	}
}

// PageSize is the size of one WebAssembly memory page.
const PageSize = 65536

// Engine compiles guest modules for one backend.
type Engine interface {
	// Name identifies the backend in logs and CLI output.
	Name() string

	// SupportsThreads reports whether guests may spawn OS threads that
	// share linear memory.
	SupportsThreads() bool

	// Load compiles wasm and links it against the given host functions.
	// Every import the guest declares must be covered by host.
	Load(ctx context.Context, wasm []byte, host []HostFunction) (Module, error)

	Close(ctx context.Context) error
}

// Module is a compiled, linked guest that can be instantiated repeatedly.
// Instances of one module share linear memory when the guest imports it.
type Module interface {
	// Instantiate creates a fresh instance. Start functions other than the
	// module's start section are not run.
	Instantiate(ctx context.Context, name string) (Instance, error)

	Close(ctx context.Context) error
}

// Instance is one guest execution context. It is not safe for concurrent
// calls; each OS thread uses its own instance.
type Instance interface {
	Name() string
	Memory() Memory
	// Function returns the named export, or nil when it does not exist.
	Function(name string) Function
	// Table returns the guest's indirect function table, or nil.
	Table() Table
	Close(ctx context.Context) error
}

// Function is a callable guest export or table entry.
type Function interface {
	Name() string
	ParamTypes() []ValueType
	ResultTypes() []ValueType
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Table is the guest's indirect function table.
type Table interface {
	// Lookup resolves slot to a function with the given signature. A null
	// slot, an out of range slot or a signature mismatch is an error.
	Lookup(slot uint32, params, results []ValueType) (Function, error)

	// Install appends fn to the table and returns its slot. Backends that
	// cannot grow tables from the host return an Unsupported error.
	Install(fn HostFunction) (uint32, error)
}

// Memory is a guest linear memory. Offsets are byte addresses.
type Memory interface {
	// Size returns the current size in bytes.
	Size() uint64

	// Max returns the declared maximum in pages.
	Max() (pages uint32, ok bool)

	// Grow adds deltaPages and returns the previous size in pages.
	Grow(deltaPages uint32) (previous uint32, ok bool)

	// View returns a slice aliasing guest memory. It stays valid until the
	// memory grows, except for shared memories whose backing never moves.
	View(offset, length uint32) ([]byte, bool)

	Shared() bool
}

// Caller is the calling instance as seen from inside a host function.
type Caller interface {
	Memory() Memory
	// Function returns an export of the calling instance, or nil.
	Function(name string) Function
}

// HostFunc implements a host import. Params are read from stack and
// results are written back to its head, in the engine-neutral uint64
// encoding used by wazero's api.GoModuleFunc.
type HostFunc func(ctx context.Context, caller Caller, stack []uint64)

// HostFunction describes one host import.
type HostFunction struct {
	Func    HostFunc
	Module  string
	Name    string
	Params  []ValueType
	Results []ValueType
}

// Key returns the "module#name" form used in import reports.
func (h HostFunction) Key() string {
	return h.Module + "#" + h.Name
}

// StackSize returns the number of stack slots the function needs.
func (h HostFunction) StackSize() int {
	if len(h.Params) > len(h.Results) {
		return len(h.Params)
	}
	return len(h.Results)
}

// SameSignature reports whether two type lists are identical.
func SameSignature(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
