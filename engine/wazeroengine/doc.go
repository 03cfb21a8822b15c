// Package wazeroengine implements engine.Engine on top of wazero.
//
// Each Load renames the guest's import modules with a per-load suffix so
// several guests can share one wazero runtime. When the guest imports its
// linear memory, a synthetic module built by internal/wasmbin defines that
// memory and re-exports the host functions of the same module name, since
// wazero host modules cannot define memories.
//
// Threads are supported: every instance of a guest that imports a shared
// memory sees the same memory, and the runtime is created with the threads
// core feature enabled.
package wazeroengine
