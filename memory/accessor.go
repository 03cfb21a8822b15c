// Package memory provides bounds-checked access to guest linear memory.
//
// Every accessor goes through an engine.Memory, so the same code serves
// both engine backends. Out of bounds access panics with a fatal
// *errors.Error: it means the guest handed the host a corrupt pointer.
package memory

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
)

// MaxPages is the wasm32 address space limit in pages.
const MaxPages = 65536

// Ptr is a typed offset into linear memory. The type parameter documents
// what the pointer refers to; arithmetic stays plain integer arithmetic.
type Ptr[T any] uint32

// Null is the reserved zero pointer.
const Null = 0

// IsNull reports whether p is the zero pointer.
func (p Ptr[T]) IsNull() bool { return p == Null }

// Add offsets p by n bytes.
func (p Ptr[T]) Add(n uint32) Ptr[T] { return p + Ptr[T](n) }

// Addr returns the raw byte address.
func (p Ptr[T]) Addr() uint32 { return uint32(p) }

// Accessor reads and writes one guest memory.
type Accessor struct {
	mem engine.Memory
}

// New returns an accessor over mem.
func New(mem engine.Memory) *Accessor {
	return &Accessor{mem: mem}
}

// Memory returns the underlying engine memory.
func (a *Accessor) Memory() engine.Memory {
	return a.mem
}

// Size returns the current memory size in bytes.
func (a *Accessor) Size() uint64 {
	return a.mem.Size()
}

func (a *Accessor) view(ptr, n uint32) []byte {
	b, ok := a.mem.View(ptr, n)
	if !ok {
		panic(errors.OutOfBounds(errors.PhaseMemory, uint64(ptr), uint64(n), a.mem.Size()))
	}
	return b
}

// viewArray returns the bytes of count elements of size elem at ptr. The
// length is computed in 64 bits so a huge count cannot wrap past the
// bounds check.
func (a *Accessor) viewArray(ptr, count, elem uint32) []byte {
	n := uint64(count) * uint64(elem)
	if size := a.mem.Size(); uint64(ptr)+n > size {
		panic(errors.OutOfBounds(errors.PhaseMemory, uint64(ptr), n, size))
	}
	return a.view(ptr, uint32(n))
}

// ReadU32s decodes count consecutive little-endian u32 values at ptr.
func (a *Accessor) ReadU32s(ptr, count uint32) []uint32 {
	raw := a.viewArray(ptr, count, 4)
	out := make([]uint32, count)
	for i := range out {
		out[i] = leU32(raw[4*i:])
	}
	return out
}

// View returns a slice aliasing [ptr, ptr+n). Callers must not keep it
// across calls into the guest.
func (a *Accessor) View(ptr, n uint32) []byte {
	return a.view(ptr, n)
}

// InBounds reports whether [ptr, ptr+n) is addressable.
func (a *Accessor) InBounds(ptr, n uint32) bool {
	return uint64(ptr)+uint64(n) <= a.mem.Size()
}

func sizeOf[T constraints.Integer]() uint32 {
	var zero T
	return uint32(unsafe.Sizeof(zero))
}

func load[T constraints.Integer](a *Accessor, ptr uint32) T {
	n := sizeOf[T]()
	b := a.view(ptr, n)
	switch n {
	case 1:
		return T(b[0])
	case 2:
		return T(binary.LittleEndian.Uint16(b))
	case 4:
		return T(binary.LittleEndian.Uint32(b))
	default:
		return T(binary.LittleEndian.Uint64(b))
	}
}

func store[T constraints.Integer](a *Accessor, ptr uint32, v T) {
	n := sizeOf[T]()
	b := a.view(ptr, n)
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

// Load reads a little-endian integer of T's width at p.
func Load[T constraints.Integer](a *Accessor, p Ptr[T]) T {
	return load[T](a, uint32(p))
}

// Store writes a little-endian integer of T's width at p.
func Store[T constraints.Integer](a *Accessor, p Ptr[T], v T) {
	store(a, uint32(p), v)
}

func (a *Accessor) ReadI8(ptr uint32) int8        { return load[int8](a, ptr) }
func (a *Accessor) ReadU8(ptr uint32) uint8       { return load[uint8](a, ptr) }
func (a *Accessor) ReadI16(ptr uint32) int16      { return load[int16](a, ptr) }
func (a *Accessor) ReadU16(ptr uint32) uint16     { return load[uint16](a, ptr) }
func (a *Accessor) ReadI32(ptr uint32) int32      { return load[int32](a, ptr) }
func (a *Accessor) ReadU32(ptr uint32) uint32     { return load[uint32](a, ptr) }
func (a *Accessor) ReadI64(ptr uint32) int64      { return load[int64](a, ptr) }
func (a *Accessor) ReadU64(ptr uint32) uint64     { return load[uint64](a, ptr) }
func (a *Accessor) WriteI8(ptr uint32, v int8)    { store(a, ptr, v) }
func (a *Accessor) WriteU8(ptr uint32, v uint8)   { store(a, ptr, v) }
func (a *Accessor) WriteI16(ptr uint32, v int16)  { store(a, ptr, v) }
func (a *Accessor) WriteU16(ptr uint32, v uint16) { store(a, ptr, v) }
func (a *Accessor) WriteI32(ptr uint32, v int32)  { store(a, ptr, v) }
func (a *Accessor) WriteU32(ptr uint32, v uint32) { store(a, ptr, v) }
func (a *Accessor) WriteI64(ptr uint32, v int64)  { store(a, ptr, v) }
func (a *Accessor) WriteU64(ptr uint32, v uint64) { store(a, ptr, v) }

// ReadBytes copies n bytes starting at ptr.
func (a *Accessor) ReadBytes(ptr, n uint32) []byte {
	out := make([]byte, n)
	copy(out, a.view(ptr, n))
	return out
}

// Write copies data into memory at ptr.
func (a *Accessor) Write(ptr uint32, data []byte) {
	copy(a.view(ptr, uint32(len(data))), data)
}

// Fill sets n bytes at ptr to b.
func (a *Accessor) Fill(ptr, n uint32, b byte) {
	v := a.view(ptr, n)
	for i := range v {
		v[i] = b
	}
}

// ReadCString reads a NUL-terminated string. A string that runs to the end
// of memory without a terminator is malformed input and returns an error.
func (a *Accessor) ReadCString(ptr uint32) (string, error) {
	size := a.mem.Size()
	if uint64(ptr) >= size {
		panic(errors.OutOfBounds(errors.PhaseMemory, uint64(ptr), 1, size))
	}
	tail := a.view(ptr, uint32(size-uint64(ptr)))
	end := bytes.IndexByte(tail, 0)
	if end < 0 {
		return "", errors.New(errors.PhaseMemory, errors.KindInvalidData).
			Value(ptr).
			Detail("string at %#x has no terminator before end of memory", ptr).
			Build()
	}
	return string(tail[:end]), nil
}

// WriteCString writes s followed by a NUL byte.
func (a *Accessor) WriteCString(ptr uint32, s string) {
	b := a.view(ptr, uint32(len(s))+1)
	copy(b, s)
	b[len(s)] = 0
}

// ResizeHeap grows memory so it holds at least requested bytes. It fails
// when the request exceeds the declared maximum, and otherwise grows to
// the smallest page multiple covering the request.
func (a *Accessor) ResizeHeap(requested uint64) bool {
	current := a.mem.Size()
	if requested <= current {
		return true
	}
	maxPages := uint64(MaxPages)
	if m, ok := a.mem.Max(); ok && uint64(m) < maxPages {
		maxPages = uint64(m)
	}
	if requested > maxPages*engine.PageSize {
		return false
	}
	wantPages := (requested + engine.PageSize - 1) / engine.PageSize
	delta := wantPages - current/engine.PageSize
	_, ok := a.mem.Grow(uint32(delta))
	return ok
}
