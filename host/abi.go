package host

import (
	"context"
	"math"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/memory"
)

// ABI is the result convention of an import.
type ABI uint8

const (
	ABIPlain ABI = iota
	ABIWASI
	ABISyscall
)

func (a ABI) String() string {
	switch a {
	case ABIWASI:
		return "wasi"
	case ABISyscall:
		return "syscall"
	default:
		return "plain"
	}
}

// ABIOf classifies an import by its module and naming convention.
func ABIOf(module, name string) ABI {
	switch {
	case module == ModuleWASI:
		return ABIWASI
	case strings.HasPrefix(name, "__syscall_"):
		return ABISyscall
	default:
		return ABIPlain
	}
}

// encodeErrno writes e to the first result slot. Plain functions get zero.
func encodeErrno(abi ABI, results []engine.ValueType, stack []uint64, e errno.Errno) {
	if len(results) == 0 {
		return
	}
	var v int64
	switch abi {
	case ABIWASI:
		v = int64(e.WASI())
	case ABISyscall:
		v = int64(e.Syscall())
	}
	switch results[0] {
	case engine.I32:
		stack[0] = uint64(uint32(int32(v)))
	case engine.I64:
		stack[0] = uint64(v)
	default:
		stack[0] = 0
	}
}

// guard counts calls to d and converts panics. Fatal errors and guest exits
// are re-raised so the engine aborts the call; anything else becomes EIO.
func (h *Host) guard(d *Definition, calls *atomic.Uint64) engine.HostFunc {
	fn, key, abi, results := d.Func, d.Key(), d.ABI, d.Results
	return func(ctx context.Context, caller engine.Caller, stack []uint64) {
		calls.Add(1)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok {
				if errors.IsFatal(err) {
					h.log.Error("fatal host error", zap.String("import", key), zap.Error(err))
					panic(r)
				}
				if errors.IsExit(err) {
					panic(r)
				}
			}
			h.log.Warn("host function panicked", zap.String("import", key), zap.Any("panic", r))
			encodeErrno(abi, results, stack, errno.EIO)
		}()
		fn(ctx, caller, stack)
	}
}

// Argument decoding.

func argI32(v uint64) int32  { return int32(uint32(v)) }
func argU32(v uint64) uint32 { return uint32(v) }
func argI64(v uint64) int64  { return int64(v) }

func putI32(stack []uint64, v int32)   { stack[0] = uint64(uint32(v)) }
func putF64(stack []uint64, v float64) { stack[0] = math.Float64bits(v) }

// cstring reads a path argument. A string without terminator is EFAULT.
func cstring(m *memory.Accessor, ptr uint32) (string, errno.Errno) {
	if ptr == 0 {
		return "", errno.EFAULT
	}
	s, err := m.ReadCString(ptr)
	if err != nil {
		return "", errno.EFAULT
	}
	return s, errno.ESUCCESS
}

// Definition constructors.

// syscallFunc returns a non-negative result or an errno.
type syscallFunc func(ctx context.Context, m *memory.Accessor, args []uint64) (int32, errno.Errno)

// wasiFunc returns an errno; results go through guest pointers.
type wasiFunc func(ctx context.Context, m *memory.Accessor, args []uint64) errno.Errno

func sys(name string, params []engine.ValueType, fn syscallFunc) *Definition {
	return &Definition{
		HostFunction: engine.HostFunction{
			Module:  ModuleEnv,
			Name:    name,
			Params:  params,
			Results: types(i32),
			Func: func(ctx context.Context, caller engine.Caller, stack []uint64) {
				v, e := fn(ctx, accessor(caller), stack[:len(params)])
				if e != errno.ESUCCESS {
					putI32(stack, e.Syscall())
					return
				}
				putI32(stack, v)
			},
		},
		ABI: ABISyscall,
	}
}

func wasi(name string, params []engine.ValueType, fn wasiFunc) *Definition {
	return &Definition{
		HostFunction: engine.HostFunction{
			Module:  ModuleWASI,
			Name:    name,
			Params:  params,
			Results: types(i32),
			Func: func(ctx context.Context, caller engine.Caller, stack []uint64) {
				putI32(stack, fn(ctx, accessor(caller), stack[:len(params)]).WASI())
			},
		},
		ABI: ABIWASI,
	}
}

func plain(name string, params, results []engine.ValueType, fn engine.HostFunc) *Definition {
	return &Definition{
		HostFunction: engine.HostFunction{
			Module:  ModuleEnv,
			Name:    name,
			Params:  params,
			Results: results,
			Func:    fn,
		},
		ABI: ABIPlain,
	}
}

// noop accepts any signature and does nothing.
func noop(name string) *Definition {
	d := plain(name, nil, nil, func(context.Context, engine.Caller, []uint64) {})
	d.Variadic = true
	return d
}
