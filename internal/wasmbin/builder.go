package wasmbin

import (
	"github.com/wippyai/wasm-sqlite/engine"
)

type builderFunc struct {
	locals []engine.ValueType
	body   Code
	typ    uint32
}

type dataSegment struct {
	bytes  []byte
	offset uint32
}

// Builder assembles a module in binary form. Function imports must be
// added before defined functions so indices stay stable.
type Builder struct {
	types    []FuncType
	imports  []Import
	funcs    []builderFunc
	table    *Limits
	memory   *Limits
	exports  []Export
	elements []Element
	data     []dataSegment
	nimports uint32
}

// NewBuilder returns an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// TypeIndex returns the index of t, adding it when new.
func (b *Builder) TypeIndex(t FuncType) uint32 {
	for i, have := range b.types {
		if engine.SameSignature(have.Params, t.Params) && engine.SameSignature(have.Results, t.Results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, t FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmbin: function import after defined function")
	}
	b.imports = append(b.imports, Import{Module: module, Name: name, Kind: KindFunc, TypeIndex: b.TypeIndex(t)})
	b.nimports++
	return b.nimports - 1
}

// ImportMemory adds a memory import.
func (b *Builder) ImportMemory(module, name string, l Limits) {
	b.imports = append(b.imports, Import{Module: module, Name: name, Kind: KindMemory, Limits: l})
}

// Func defines a function and returns its function index. The trailing
// end opcode is added by the builder.
func (b *Builder) Func(t FuncType, locals []engine.ValueType, body Code) uint32 {
	b.funcs = append(b.funcs, builderFunc{typ: b.TypeIndex(t), locals: locals, body: body})
	return b.nimports + uint32(len(b.funcs)) - 1
}

// Table defines a funcref table.
func (b *Builder) Table(l Limits) { b.table = &l }

// Memory defines a memory.
func (b *Builder) Memory(l Limits) { b.memory = &l }

// Export adds an export.
func (b *Builder) Export(name string, kind ExternKind, index uint32) {
	b.exports = append(b.exports, Export{Name: name, Kind: kind, Index: index})
}

// Elements places funcs into table 0 starting at offset.
func (b *Builder) Elements(offset uint32, funcs ...uint32) {
	b.elements = append(b.elements, Element{Funcs: funcs, Offset: offset, Active: true, ConstOffset: true})
}

// Data places bytes into memory 0 at offset.
func (b *Builder) Data(offset uint32, bytes []byte) {
	b.data = append(b.data, dataSegment{offset: offset, bytes: bytes})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte(magic + version)

	if len(b.types) > 0 {
		s := AppendULEB128(nil, uint32(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = appendValueTypes(s, t.Params)
			s = appendValueTypes(s, t.Results)
		}
		out = appendSection(out, SectionType, s)
	}

	if len(b.imports) > 0 {
		s := AppendULEB128(nil, uint32(len(b.imports)))
		for _, imp := range b.imports {
			s = appendName(s, imp.Module)
			s = appendName(s, imp.Name)
			s = append(s, byte(imp.Kind))
			switch imp.Kind {
			case KindFunc:
				s = AppendULEB128(s, imp.TypeIndex)
			case KindMemory:
				s = appendLimits(s, imp.Limits)
			}
		}
		out = appendSection(out, SectionImport, s)
	}

	if len(b.funcs) > 0 {
		s := AppendULEB128(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			s = AppendULEB128(s, f.typ)
		}
		out = appendSection(out, SectionFunction, s)
	}

	if b.table != nil {
		s := []byte{1, 0x70}
		out = appendSection(out, SectionTable, appendLimits(s, *b.table))
	}

	if b.memory != nil {
		out = appendSection(out, SectionMemory, appendLimits([]byte{1}, *b.memory))
	}

	if len(b.exports) > 0 {
		s := AppendULEB128(nil, uint32(len(b.exports)))
		for _, e := range b.exports {
			s = appendName(s, e.Name)
			s = append(s, byte(e.Kind))
			s = AppendULEB128(s, e.Index)
		}
		out = appendSection(out, SectionExport, s)
	}

	if len(b.elements) > 0 {
		s := AppendULEB128(nil, uint32(len(b.elements)))
		for _, el := range b.elements {
			s = append(s, 0x00, 0x41)
			s = AppendSLEB128(s, int32(el.Offset))
			s = append(s, 0x0b)
			s = AppendULEB128(s, uint32(len(el.Funcs)))
			for _, fn := range el.Funcs {
				s = AppendULEB128(s, fn)
			}
		}
		out = appendSection(out, SectionElement, s)
	}

	if len(b.funcs) > 0 {
		s := AppendULEB128(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := AppendULEB128(nil, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 1, byte(l))
			}
			body = append(body, f.body...)
			body = append(body, 0x0b)
			s = AppendULEB128(s, uint32(len(body)))
			s = append(s, body...)
		}
		out = appendSection(out, SectionCode, s)
	}

	if len(b.data) > 0 {
		s := AppendULEB128(nil, uint32(len(b.data)))
		for _, d := range b.data {
			s = append(s, 0x00, 0x41)
			s = AppendSLEB128(s, int32(d.offset))
			s = append(s, 0x0b)
			s = AppendULEB128(s, uint32(len(d.bytes)))
			s = append(s, d.bytes...)
		}
		out = appendSection(out, SectionData, s)
	}

	return out
}

func appendSection(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = AppendULEB128(out, uint32(len(body)))
	return append(out, body...)
}

func appendName(b []byte, name string) []byte {
	b = AppendULEB128(b, uint32(len(name)))
	return append(b, name...)
}

func appendValueTypes(b []byte, types []engine.ValueType) []byte {
	b = AppendULEB128(b, uint32(len(types)))
	for _, t := range types {
		b = append(b, byte(t))
	}
	return b
}

func appendLimits(b []byte, l Limits) []byte {
	var flags byte
	if l.HasMax {
		flags |= 0x01
	}
	if l.Shared {
		flags |= 0x02
	}
	b = append(b, flags)
	b = AppendULEB128(b, l.Min)
	if l.HasMax {
		b = AppendULEB128(b, l.Max)
	}
	return b
}
