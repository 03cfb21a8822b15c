// Package wasmtimeengine implements engine.Engine on top of wasmtime-go.
//
// The backend is single-threaded: all instances of a loaded module live in
// one wasmtime store, which must not be used from more than one goroutine
// at a time. Guests that import their memory (the pthread build) are
// rejected at load time.
package wasmtimeengine
