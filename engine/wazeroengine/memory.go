package wazeroengine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sqlite/engine"
)

// Memory adapts api.Memory to engine.Memory.
type Memory struct {
	mem    api.Memory
	shared bool
}

// WrapMemory returns mem as an engine.Memory, or nil when mem is nil.
func WrapMemory(mem api.Memory, shared bool) engine.Memory {
	if mem == nil {
		return nil
	}
	return &Memory{mem: mem, shared: shared}
}

func (m *Memory) Size() uint64                         { return uint64(m.mem.Size()) }
func (m *Memory) Max() (uint32, bool)                  { return m.mem.Definition().Max() }
func (m *Memory) Grow(delta uint32) (uint32, bool)     { return m.mem.Grow(delta) }
func (m *Memory) View(offset, n uint32) ([]byte, bool) { return m.mem.Read(offset, n) }
func (m *Memory) Shared() bool                         { return m.shared }

// Unwrap returns the underlying wazero memory.
func (m *Memory) Unwrap() api.Memory { return m.mem }
