package runtime

import (
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/host"
	"github.com/wippyai/wasm-sqlite/internal/wasmbin"
)

// ImportStatus says how one guest import is satisfied.
type ImportStatus string

const (
	StatusProvided ImportStatus = "provided" // host definition with the same signature
	StatusRetyped  ImportStatus = "retyped"  // variadic no-op adapted to the guest signature
	StatusStubbed  ImportStatus = "stubbed"  // ENOSYS stub
	StatusMissing  ImportStatus = "missing"
	StatusMismatch ImportStatus = "mismatch" // host signature differs
)

// ImportReport describes one guest import.
type ImportReport struct {
	Module    string       `json:"module" csv:"module"`
	Name      string       `json:"name" csv:"name"`
	Kind      string       `json:"kind" csv:"kind"`
	Signature string       `json:"signature,omitempty" csv:"signature"`
	ABI       string       `json:"abi,omitempty" csv:"abi"`
	Status    ImportStatus `json:"status" csv:"status"`
	// Host is the host signature when it differs from the guest's.
	Host string `json:"host,omitempty" csv:"host"`
}

// Key returns the "module#name" form.
func (r ImportReport) Key() string { return r.Module + "#" + r.Name }

// Report is the import coverage of a guest against the host.
type Report struct {
	Imports      []ImportReport    `json:"imports"`
	Exports      []string          `json:"exports"`
	Callbacks    map[string]uint32 `json:"callbacks,omitempty"`
	SharedMemory bool              `json:"shared_memory"`
}

// Count returns the number of imports with status s.
func (r *Report) Count(s ImportStatus) int {
	n := 0
	for _, imp := range r.Imports {
		if imp.Status == s {
			n++
		}
	}
	return n
}

// Unresolved returns the keys of missing and mismatched imports.
func (r *Report) Unresolved() []string {
	var out []string
	for _, imp := range r.Imports {
		if imp.Status == StatusMissing || imp.Status == StatusMismatch {
			out = append(out, imp.Key())
		}
	}
	return out
}

// linker resolves the imports of one parsed guest against the host.
type linker struct {
	host *host.Host
	log  *zap.Logger
	stub bool
}

// link builds the report and, when build is set, the host functions to
// hand to the engine. Duplicate imports share one function.
func (l *linker) link(parsed *wasmbin.Module, build bool) (*Report, []engine.HostFunction) {
	report := &Report{Callbacks: make(map[string]uint32)}
	var funcs []engine.HostFunction
	seen := make(map[string]bool)

	for _, imp := range parsed.Imports {
		entry := ImportReport{Module: imp.Module, Name: imp.Name, Kind: imp.Kind.String()}
		switch imp.Kind {
		case wasmbin.KindMemory:
			// engines define imported memories themselves
			entry.Status = StatusProvided
			report.SharedMemory = imp.Limits.Shared
			report.Imports = append(report.Imports, entry)
			continue
		case wasmbin.KindFunc:
		default:
			entry.Status = StatusMissing
			report.Imports = append(report.Imports, entry)
			continue
		}

		typ, _ := parsed.ImportType(imp)
		entry.Signature = typ.String()
		entry.ABI = host.ABIOf(imp.Module, imp.Name).String()

		var fn *host.Definition
		d, ok := l.host.Lookup(imp.Module, imp.Name)
		switch {
		case ok && engine.SameSignature(d.Params, typ.Params) && engine.SameSignature(d.Results, typ.Results):
			entry.Status = StatusProvided
			fn = d
		case ok && d.Variadic:
			entry.Status = StatusRetyped
			if build {
				fn = d.Retype(typ.Params, typ.Results)
			}
		case ok:
			entry.Status = StatusMismatch
			entry.Host = wasmbin.FuncType{Params: d.Params, Results: d.Results}.String()
		case l.stub:
			entry.Status = StatusStubbed
			if build {
				l.log.Warn("stubbing missing import", zap.String("import", imp.Key()), zap.Stringer("type", typ))
				fn = l.host.Stub(imp.Module, imp.Name, typ.Params, typ.Results)
			}
		default:
			entry.Status = StatusMissing
		}
		report.Imports = append(report.Imports, entry)

		if fn != nil && !seen[imp.Key()] {
			seen[imp.Key()] = true
			funcs = append(funcs, fn.HostFunction)
		}
	}

	for _, e := range parsed.Exports {
		if e.Kind == wasmbin.KindFunc {
			report.Exports = append(report.Exports, e.Name)
		}
	}
	sort.Strings(report.Exports)
	if len(parsed.Memories) > 0 {
		report.SharedMemory = report.SharedMemory || parsed.Memories[0].Shared
	}
	for _, name := range callback.Imports {
		if slots := parsed.ImportSlots(host.ModuleEnv, name); len(slots) > 0 {
			report.Callbacks[name] = slots[0]
		}
	}
	return report, funcs
}

// linkError returns the error for a report with unresolved imports, or nil.
func linkError(report *Report) error {
	var missing []string
	for _, imp := range report.Imports {
		switch imp.Status {
		case StatusMismatch:
			return errors.New(errors.PhaseLinking, errors.KindInvalidData).
				Path(imp.Module, imp.Name).
				Detail("guest imports %s, host provides %s", imp.Signature, imp.Host).
				Build()
		case StatusMissing:
			missing = append(missing, imp.Key())
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}
