package wasmbin

// EnvFunc is a function the synthetic env module re-exports.
type EnvFunc struct {
	Name string
	Type FuncType
}

// EnvModule describes a synthetic module that owns the guest's linear
// memory and re-exports host functions next to it. Host modules cannot
// define memories, so a guest importing both from one module name needs
// this shim in front of the host module.
type EnvModule struct {
	// HostModule is the module the functions are imported from.
	HostModule string
	MemoryName string
	Funcs      []EnvFunc
	Memory     Limits
}

// Bytes encodes the module.
func (e EnvModule) Bytes() []byte {
	b := NewBuilder()
	for _, f := range e.Funcs {
		idx := b.ImportFunc(e.HostModule, f.Name, f.Type)
		b.Export(f.Name, KindFunc, idx)
	}
	b.Memory(e.Memory)
	b.Export(e.MemoryName, KindMemory, 0)
	return b.Bytes()
}
