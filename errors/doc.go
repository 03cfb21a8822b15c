// Package errors provides structured error types for the wasm-sqlite host.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Errors of kind KindInvariant or KindOutOfBounds are fatal: host function
// adapters re-raise them as guest traps instead of mapping them to an errno.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseThread, errors.KindInvariant).
//		Path("pthread", "0x10a40").
//		Detail("thread already registered").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Invariant(errors.PhaseFutex, "unaligned wait address %d", addr)
//	err := errors.OutOfBounds(errors.PhaseMemory, ptr, 8, size)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
