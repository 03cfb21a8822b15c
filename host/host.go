package host

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/fs"
	"github.com/wippyai/wasm-sqlite/futex"
	"github.com/wippyai/wasm-sqlite/memory"
	"github.com/wippyai/wasm-sqlite/pthread"
)

// Import module names.
const (
	ModuleEnv  = "env"
	ModuleWASI = "wasi_snapshot_preview1"
)

var (
	i32 = engine.I32
	i64 = engine.I64
	f64 = engine.F64
)

func types(t ...engine.ValueType) []engine.ValueType { return t }

// Config wires a Host to the components it dispatches to.
type Config struct {
	FS        *fs.FileSystem
	Callbacks *callback.Dispatcher
	Futex     *futex.WaiterStore

	// Threads handles __pthread_create_js. Nil makes thread creation fail
	// with EAGAIN.
	Threads *pthread.Manager

	// Env holds "KEY=value" entries for environ_get.
	Env  []string
	Args []string

	// Random feeds random_get. Nil means crypto/rand.
	Random io.Reader

	Logger *zap.Logger
}

// Definition is one host import and its result convention.
type Definition struct {
	engine.HostFunction
	ABI ABI

	// Variadic definitions ignore their arguments and write no meaningful
	// result, so they accept any signature the guest declares.
	Variadic bool
}

// Host owns the import definitions of one runtime.
type Host struct {
	cfg   Config
	log   *zap.Logger
	start time.Time

	defs map[string]*Definition

	mu    sync.RWMutex
	calls map[string]*atomic.Uint64
}

// New creates a host and builds every definition.
func New(cfg Config) *Host {
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	h := &Host{
		cfg:   cfg,
		log:   engine.LoggerOr(cfg.Logger).Named("host"),
		start: time.Now(),
		defs:  make(map[string]*Definition),
		calls: make(map[string]*atomic.Uint64),
	}
	for _, group := range [][]*Definition{
		h.wasiFunctions(),
		h.syscallFunctions(),
		h.emscriptenFunctions(),
		h.threadFunctions(),
		h.callbackFunctions(),
	} {
		for _, d := range group {
			h.add(d)
		}
	}
	return h
}

func (h *Host) add(d *Definition) {
	key := d.Key()
	if _, dup := h.defs[key]; dup {
		panic(errors.Registration(errors.PhaseHost, d.Module, d.Name, errors.Invariant(errors.PhaseHost, "duplicate definition")))
	}
	d.Func = h.guard(d, h.counter(key))
	h.defs[key] = d
}

// Lookup returns the definition of module#name.
func (h *Host) Lookup(module, name string) (*Definition, bool) {
	d, ok := h.defs[module+"#"+name]
	return d, ok
}

// Definitions returns every definition sorted by key.
func (h *Host) Definitions() []*Definition {
	out := make([]*Definition, 0, len(h.defs))
	for _, d := range h.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Retype returns a copy of a variadic definition with the guest's
// signature.
func (d *Definition) Retype(params, results []engine.ValueType) *Definition {
	c := *d
	c.Params, c.Results = params, results
	fn := d.Func
	c.Func = func(ctx context.Context, caller engine.Caller, stack []uint64) {
		fn(ctx, caller, stack)
		for i := range results {
			stack[i] = 0
		}
	}
	return &c
}

// Stub returns a definition for an import the host does not implement. It
// logs each call and returns ENOSYS in the import's ABI.
func (h *Host) Stub(module, name string, params, results []engine.ValueType) *Definition {
	d := &Definition{
		HostFunction: engine.HostFunction{
			Module:  module,
			Name:    name,
			Params:  params,
			Results: results,
		},
		ABI: ABIOf(module, name),
	}
	key := d.Key()
	d.Func = func(_ context.Context, _ engine.Caller, stack []uint64) {
		h.log.Debug("stubbed import called", zap.String("import", key))
		encodeErrno(d.ABI, results, stack, errno.ENOSYS)
	}
	d.Func = h.guard(d, h.counter(key))
	return d
}

func (h *Host) counter(key string) *atomic.Uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.calls[key]
	if !ok {
		c = new(atomic.Uint64)
		h.calls[key] = c
	}
	return c
}

func accessor(caller engine.Caller) *memory.Accessor {
	return memory.New(caller.Memory())
}
