package wasmbin

// Code is a function body under construction. Each method appends one
// instruction.
type Code []byte

func (c Code) LocalGet(i uint32) Code { return AppendULEB128(append(c, 0x20), i) }
func (c Code) LocalSet(i uint32) Code { return AppendULEB128(append(c, 0x21), i) }
func (c Code) I32Const(v int32) Code  { return AppendSLEB128(append(c, 0x41), v) }
func (c Code) I64Const(v int64) Code  { return AppendSLEB128(append(c, 0x42), v) }
func (c Code) Call(fn uint32) Code    { return AppendULEB128(append(c, 0x10), fn) }
func (c Code) I32Add() Code           { return append(c, 0x6a) }
func (c Code) Drop() Code             { return append(c, 0x1a) }
func (c Code) Unreachable() Code      { return append(c, 0x00) }

// CallIndirect calls through table 0 with the given type index.
func (c Code) CallIndirect(typeIdx uint32) Code {
	return append(AppendULEB128(append(c, 0x11), typeIdx), 0x00)
}

// I32Load loads with natural alignment.
func (c Code) I32Load(offset uint32) Code {
	return AppendULEB128(append(c, 0x28, 0x02), offset)
}

// I32Store stores with natural alignment.
func (c Code) I32Store(offset uint32) Code {
	return AppendULEB128(append(c, 0x36, 0x02), offset)
}

// I32AtomicRMWAdd is i32.atomic.rmw.add; it requires a shared memory.
func (c Code) I32AtomicRMWAdd(offset uint32) Code {
	return AppendULEB128(append(c, 0xfe, 0x1e, 0x02), offset)
}
