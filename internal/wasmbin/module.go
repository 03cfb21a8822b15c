package wasmbin

import (
	"bytes"
	"fmt"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
)

const (
	magic   = "\x00asm"
	version = "\x01\x00\x00\x00"
)

// Section IDs.
const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionTable    byte = 4
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionElement  byte = 9
	SectionCode     byte = 10
	SectionData     byte = 11
)

// ExternKind is the kind of an import or export.
type ExternKind byte

const (
	KindFunc   ExternKind = 0
	KindTable  ExternKind = 1
	KindMemory ExternKind = 2
	KindGlobal ExternKind = 3
	KindTag    ExternKind = 4
)

func (k ExternKind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		return "memory"
	case KindGlobal:
		return "global"
	case KindTag:
		return "tag"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// FuncType is a function signature.
type FuncType struct {
	Params  []engine.ValueType
	Results []engine.ValueType
}

func (t FuncType) String() string {
	return fmt.Sprintf("%v -> %v", t.Params, t.Results)
}

// Limits describes a memory or table size in pages or elements.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Kind   ExternKind
	// TypeIndex is set for function and tag imports.
	TypeIndex uint32
	// Limits is set for table and memory imports.
	Limits Limits
}

// Key returns the "module#name" form.
func (i Import) Key() string { return i.Module + "#" + i.Name }

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}

// NullFunc marks a null reference inside an element segment.
const NullFunc = ^uint32(0)

// Element is an element segment.
type Element struct {
	Funcs []uint32
	Table uint32
	// Offset is valid when Active and ConstOffset are both set.
	Offset      uint32
	Active      bool
	ConstOffset bool
}

// Module is the decoded shape of a guest.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32
	Tables   []Limits
	Memories []Limits
	Exports  []Export
	Elements []Element
}

// Parse decodes the sections the host needs and skips the rest.
func Parse(data []byte) (*Module, error) {
	if len(data) < 8 || string(data[:4]) != magic {
		return nil, errors.Load("invalid wasm magic number", nil)
	}
	if string(data[4:8]) != version {
		return nil, errors.Load("unsupported wasm version", nil)
	}

	m := &Module{}
	r := &reader{data: data, pos: 8}
	for !r.done() {
		id := r.byte()
		body := r.bytes(r.u32())
		if r.err != nil {
			break
		}
		sr := &reader{data: body}
		switch id {
		case SectionType:
			parseTypes(sr, m)
		case SectionImport:
			parseImports(sr, m)
		case SectionFunction:
			parseFuncs(sr, m)
		case SectionTable:
			parseTables(sr, m)
		case SectionMemory:
			parseMemories(sr, m)
		case SectionExport:
			parseExports(sr, m)
		case SectionElement:
			parseElements(sr, m)
		}
		if sr.err != nil {
			return nil, errors.Load(fmt.Sprintf("section %d", id), sr.err)
		}
	}
	if r.err != nil {
		return nil, errors.Load("section header", r.err)
	}
	return m, nil
}

func parseTypes(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		if form := r.byte(); form != 0x60 {
			r.fail(fmt.Errorf("type %d: unsupported form %#x", i, form))
			return
		}
		var t FuncType
		t.Params = valueTypes(r)
		t.Results = valueTypes(r)
		m.Types = append(m.Types, t)
	}
}

func valueTypes(r *reader) []engine.ValueType {
	n := r.u32()
	if n == 0 {
		return nil
	}
	out := make([]engine.ValueType, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		out = append(out, engine.ValueType(r.byte()))
	}
	return out
}

func limits(r *reader) Limits {
	flags := r.byte()
	if flags > 0x03 {
		r.fail(fmt.Errorf("unsupported limits flags %#x", flags))
		return Limits{}
	}
	l := Limits{Min: r.u32(), Shared: flags&0x02 != 0}
	if flags&0x01 != 0 {
		l.Max, l.HasMax = r.u32(), true
	}
	return l
}

func parseImports(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		imp := Import{Module: r.name(), Name: r.name(), Kind: ExternKind(r.byte())}
		switch imp.Kind {
		case KindFunc:
			imp.TypeIndex = r.u32()
		case KindTable:
			r.byte() // reftype
			imp.Limits = limits(r)
		case KindMemory:
			imp.Limits = limits(r)
		case KindGlobal:
			r.byte() // valtype
			r.byte() // mutability
		case KindTag:
			r.byte() // attribute
			imp.TypeIndex = r.u32()
		default:
			r.fail(fmt.Errorf("import %s: unknown kind %#x", imp.Key(), byte(imp.Kind)))
			return
		}
		m.Imports = append(m.Imports, imp)
	}
}

func parseFuncs(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Funcs = append(m.Funcs, r.u32())
	}
}

func parseTables(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		r.byte() // reftype
		m.Tables = append(m.Tables, limits(r))
	}
}

func parseMemories(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Memories = append(m.Memories, limits(r))
	}
}

func parseExports(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Exports = append(m.Exports, Export{Name: r.name(), Kind: ExternKind(r.byte()), Index: r.u32()})
	}
}

// initExpr evaluates a constant expression. Only i32.const offsets are
// constant here; global.get offsets depend on link-time values. ref.func
// and ref.null yield a function index or NullFunc.
func initExpr(r *reader) (value int64, constant bool, fn uint32) {
	fn = NullFunc
	for {
		op := r.byte()
		if r.err != nil {
			return
		}
		switch op {
		case 0x0b: // end
			return
		case 0x41: // i32.const
			value, constant = r.s64(), true
		case 0x42: // i64.const
			value, constant = r.s64(), true
		case 0x23: // global.get
			r.u32()
			constant = false
		case 0xd2: // ref.func
			fn = r.u32()
		case 0xd0: // ref.null
			r.byte()
		default:
			r.fail(fmt.Errorf("unsupported opcode %#x in constant expression", op))
			return
		}
	}
}

func parseElements(r *reader, m *Module) {
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		flags := r.u32()
		if flags > 7 {
			r.fail(fmt.Errorf("element %d: invalid flags %d", i, flags))
			return
		}
		var el Element
		el.Active = flags&0x01 == 0
		if flags&0x02 != 0 && el.Active {
			el.Table = r.u32()
		}
		if el.Active {
			off, constant, _ := initExpr(r)
			el.Offset, el.ConstOffset = uint32(off), constant
		}
		usesExprs := flags&0x04 != 0
		if flags&0x03 != 0 {
			r.byte() // elemkind or reftype
		}
		count := r.u32()
		for j := uint32(0); j < count && r.err == nil; j++ {
			if usesExprs {
				_, _, fn := initExpr(r)
				el.Funcs = append(el.Funcs, fn)
			} else {
				el.Funcs = append(el.Funcs, r.u32())
			}
		}
		m.Elements = append(m.Elements, el)
	}
}

// ImportedFuncs returns the function imports in index order.
func (m *Module) ImportedFuncs() []Import {
	var out []Import
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc {
			out = append(out, imp)
		}
	}
	return out
}

// FuncType returns the signature of function idx in the function index
// space, imports first.
func (m *Module) FuncType(idx uint32) (FuncType, bool) {
	imports := m.ImportedFuncs()
	var typeIdx uint32
	switch {
	case idx < uint32(len(imports)):
		typeIdx = imports[idx].TypeIndex
	case idx-uint32(len(imports)) < uint32(len(m.Funcs)):
		typeIdx = m.Funcs[idx-uint32(len(imports))]
	default:
		return FuncType{}, false
	}
	if typeIdx >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// ImportType returns the signature of a function import.
func (m *Module) ImportType(imp Import) (FuncType, bool) {
	if imp.Kind != KindFunc || imp.TypeIndex >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[imp.TypeIndex], true
}

// MemoryImport returns the guest's imported memory, if it has one.
func (m *Module) MemoryImport() (Import, bool) {
	for _, imp := range m.Imports {
		if imp.Kind == KindMemory {
			return imp, true
		}
	}
	return Import{}, false
}

// Export returns the named export.
func (m *Module) Export(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// ImportSlots returns the table 0 slots holding the function imported as
// module#name, found through active element segments with constant
// offsets.
func (m *Module) ImportSlots(module, name string) []uint32 {
	idx, ok := uint32(0), false
	for _, imp := range m.ImportedFuncs() {
		if imp.Module == module && imp.Name == name {
			ok = true
			break
		}
		idx++
	}
	if !ok {
		return nil
	}
	var slots []uint32
	for _, el := range m.Elements {
		if !el.Active || !el.ConstOffset || el.Table != 0 {
			continue
		}
		for j, fn := range el.Funcs {
			if fn == idx {
				slots = append(slots, el.Offset+uint32(j))
			}
		}
	}
	return slots
}

// IsWasm reports whether data starts with the wasm binary header.
func IsWasm(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[:4], []byte(magic))
}
