package wasmbin

import (
	"github.com/wippyai/wasm-sqlite/errors"
)

// RenameImportModules returns a copy of wasm whose import module names are
// passed through rename. All other sections are copied unchanged.
func RenameImportModules(wasm []byte, rename func(module string) string) ([]byte, error) {
	if len(wasm) < 8 || string(wasm[:4]) != magic {
		return nil, errors.Load("invalid wasm magic number", nil)
	}

	out := make([]byte, 0, len(wasm)+64)
	out = append(out, wasm[:8]...)
	r := &reader{data: wasm, pos: 8}
	for !r.done() {
		id := r.byte()
		body := r.bytes(r.u32())
		if r.err != nil {
			break
		}
		if id != SectionImport {
			out = appendSection(out, id, body)
			continue
		}
		s, err := renameImports(body, rename)
		if err != nil {
			return nil, errors.Load("rewrite imports", err)
		}
		out = appendSection(out, id, s)
	}
	if r.err != nil {
		return nil, errors.Load("section header", r.err)
	}
	return out, nil
}

func renameImports(body []byte, rename func(string) string) ([]byte, error) {
	r := &reader{data: body}
	n := r.u32()
	out := AppendULEB128(make([]byte, 0, len(body)+64), n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		module := r.name()
		start := r.pos
		r.name()
		// Decode the descriptor only to find where the entry ends.
		switch ExternKind(r.byte()) {
		case KindFunc:
			r.u32()
		case KindTable:
			r.byte()
			limits(r)
		case KindMemory:
			limits(r)
		case KindGlobal:
			r.byte()
			r.byte()
		case KindTag:
			r.byte()
			r.u32()
		default:
			r.fail(errors.InvalidInput(errors.PhaseLoad, "unknown import kind"))
		}
		if r.err != nil {
			break
		}
		out = appendName(out, rename(module))
		out = append(out, body[start:r.pos]...)
	}
	return out, r.err
}
