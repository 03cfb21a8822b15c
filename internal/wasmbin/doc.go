// Package wasmbin reads and writes the parts of the WebAssembly binary
// format the host needs: imports, exports, memories, tables and element
// segments of a guest, plus a small module builder used to synthesize the
// env module and test guests.
package wasmbin
