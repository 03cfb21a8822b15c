package memory

import (
	"sync/atomic"
	"unsafe"

	"github.com/wippyai/wasm-sqlite/errors"
)

func (a *Accessor) word32(ptr uint32) *uint32 {
	if ptr%4 != 0 {
		panic(errors.Invariant(errors.PhaseMemory, "unaligned 32-bit atomic access at %#x", ptr))
	}
	b := a.view(ptr, 4)
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		panic(errors.Invariant(errors.PhaseMemory, "memory base not 4-byte aligned"))
	}
	return (*uint32)(p)
}

func (a *Accessor) word64(ptr uint32) *uint64 {
	if ptr%8 != 0 {
		panic(errors.Invariant(errors.PhaseMemory, "unaligned 64-bit atomic access at %#x", ptr))
	}
	b := a.view(ptr, 8)
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%8 != 0 {
		panic(errors.Invariant(errors.PhaseMemory, "memory base not 8-byte aligned"))
	}
	return (*uint64)(p)
}

// AtomicLoad32 performs a sequentially consistent 32-bit load.
func (a *Accessor) AtomicLoad32(ptr uint32) uint32 {
	return atomic.LoadUint32(a.word32(ptr))
}

// AtomicLoad64 performs a sequentially consistent 64-bit load.
func (a *Accessor) AtomicLoad64(ptr uint32) uint64 {
	return atomic.LoadUint64(a.word64(ptr))
}

// AtomicStore32 performs a sequentially consistent 32-bit store.
func (a *Accessor) AtomicStore32(ptr, v uint32) {
	atomic.StoreUint32(a.word32(ptr), v)
}

// AtomicStore64 performs a sequentially consistent 64-bit store.
func (a *Accessor) AtomicStore64(ptr uint32, v uint64) {
	atomic.StoreUint64(a.word64(ptr), v)
}

// AtomicAdd32 adds delta and returns the new value.
func (a *Accessor) AtomicAdd32(ptr, delta uint32) uint32 {
	return atomic.AddUint32(a.word32(ptr), delta)
}
