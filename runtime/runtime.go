package runtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/callback"
	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/engine/wazeroengine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/fs"
	"github.com/wippyai/wasm-sqlite/futex"
	"github.com/wippyai/wasm-sqlite/host"
	"github.com/wippyai/wasm-sqlite/internal/wasmbin"
	"github.com/wippyai/wasm-sqlite/pthread"
)

// Guest entry points.
const (
	ExportStart      = "_start"
	ExportInitialize = "_initialize"
)

// Runtime hosts one guest. It owns every registry the host functions
// share: descriptors, callbacks, waiter lists and threads.
type Runtime struct {
	cfg        Config
	log        *zap.Logger
	engine     engine.Engine
	ownsEngine bool

	fs        *fs.FileSystem
	callbacks *callback.Registry
	futex     *futex.WaiterStore
	threads   *pthread.Manager
	host      *host.Host
	linker    *linker

	mu      sync.Mutex
	module  engine.Module
	main    *Instance
	report  *Report
	loading bool
	closed  bool
}

// New creates a runtime. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	r := &Runtime{
		cfg:       *cfg,
		log:       engine.LoggerOr(cfg.Logger).Named("runtime"),
		engine:    cfg.Engine,
		callbacks: callback.NewRegistry(),
		futex:     futex.NewWaiterStore(),
	}
	if r.engine == nil {
		eng, err := wazeroengine.New(ctx, &wazeroengine.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, errors.Load("create engine", err)
		}
		r.engine, r.ownsEngine = eng, true
	}

	fsys, err := fs.New(fs.Config{
		Stdin:    cfg.Stdin,
		Stdout:   cfg.Stdout,
		Stderr:   cfg.Stderr,
		Logger:   cfg.Logger,
		Root:     cfg.Root,
		Cwd:      cfg.Cwd,
		MaxFiles: cfg.MaxFiles,
	})
	if err != nil {
		_ = r.closeEngine(ctx)
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "filesystem")
	}
	r.fs = fsys

	if r.engine.SupportsThreads() {
		r.threads = pthread.NewManager(pthread.Config{
			Loader:     r.loadThread,
			Logger:     cfg.Logger,
			Layout:     cfg.Layout,
			MaxThreads: cfg.MaxThreads,
		})
	}

	r.host = host.New(host.Config{
		FS:        r.fs,
		Callbacks: callback.NewDispatcher(r.callbacks, cfg.Logger),
		Futex:     r.futex,
		Threads:   r.threads,
		Env:       cfg.Env,
		Args:      cfg.Args,
		Random:    cfg.Random,
		Logger:    cfg.Logger,
	})
	r.linker = &linker{host: r.host, log: r.log, stub: cfg.StubMissingImports}

	r.log.Debug("runtime created",
		zap.String("engine", r.engine.Name()),
		zap.Bool("threads", r.threads != nil))
	return r, nil
}

// Engine returns the backend.
func (r *Runtime) Engine() engine.Engine { return r.engine }

// Host returns the host function set.
func (r *Runtime) Host() *host.Host { return r.host }

// FS returns the guest filesystem.
func (r *Runtime) FS() *fs.FileSystem { return r.fs }

// Callbacks returns the registry of host closures the guest calls back.
func (r *Runtime) Callbacks() *callback.Registry { return r.callbacks }

// Futex returns the waiter store behind the atomic wait/notify imports.
func (r *Runtime) Futex() *futex.WaiterStore { return r.futex }

// Threads returns the pthread manager, or nil when the engine is single
// threaded.
func (r *Runtime) Threads() *pthread.Manager { return r.threads }

// Inspect reports how the host covers wasm's imports without loading it.
func (r *Runtime) Inspect(wasm []byte) (*Report, error) {
	parsed, err := wasmbin.Parse(wasm)
	if err != nil {
		return nil, err
	}
	report, _ := r.linker.link(parsed, false)
	return report, nil
}

// Load links wasm against the host, instantiates the main instance and
// runs _initialize when the guest exports it. A runtime loads one guest.
func (r *Runtime) Load(ctx context.Context, wasm []byte) (*Instance, error) {
	if !wasmbin.IsWasm(wasm) {
		return nil, errors.InvalidInput(errors.PhaseLoad, "not a wasm binary")
	}
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, errors.InvalidInput(errors.PhaseLoad, "runtime closed")
	case r.loading || r.module != nil:
		r.mu.Unlock()
		return nil, errors.InvalidInput(errors.PhaseLoad, "a guest is already loaded")
	}
	r.loading = true
	r.mu.Unlock()

	inst, err := r.load(ctx, wasm)

	r.mu.Lock()
	r.loading = false
	r.mu.Unlock()
	return inst, err
}

func (r *Runtime) load(ctx context.Context, wasm []byte) (*Instance, error) {
	parsed, err := wasmbin.Parse(wasm)
	if err != nil {
		return nil, err
	}
	report, funcs := r.linker.link(parsed, true)
	if err := linkError(report); err != nil {
		return nil, err
	}

	mod, err := r.engine.Load(ctx, wasm, funcs)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.module = mod
	r.mu.Unlock()

	ei, err := mod.Instantiate(ctx, "main")
	if err != nil {
		return nil, err
	}
	inst := &Instance{rt: r, inst: ei}
	r.resolveSlots(report, ei)

	r.mu.Lock()
	r.main, r.report = inst, report
	r.mu.Unlock()

	r.log.Info("guest loaded",
		zap.Int("imports", len(report.Imports)),
		zap.Int("stubbed", report.Count(StatusStubbed)),
		zap.Int("callbacks", len(report.Callbacks)),
		zap.Bool("shared_memory", report.SharedMemory))

	if ei.Function(ExportInitialize) != nil {
		if _, err := inst.Call(ctx, ExportInitialize); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// resolveSlots records the table slot of every callback trampoline. Slots
// come from the guest's element segments; trampolines the guest does not
// place itself are appended when the engine can grow the table.
func (r *Runtime) resolveSlots(report *Report, inst engine.Instance) {
	table := inst.Table()
	for _, name := range callback.Imports {
		if slot, ok := report.Callbacks[name]; ok {
			r.callbacks.Slots.Set(name, slot)
			continue
		}
		d, ok := r.host.Lookup(host.ModuleEnv, name)
		if !ok || table == nil {
			continue
		}
		slot, err := table.Install(d.HostFunction)
		if err != nil {
			r.log.Debug("callback slot unavailable", zap.String("import", name), zap.Error(err))
			continue
		}
		r.callbacks.Slots.Set(name, slot)
		report.Callbacks[name] = slot
	}
}

// loadThread creates the instance a new guest thread runs on.
func (r *Runtime) loadThread(ctx context.Context, name string) (engine.Instance, error) {
	r.mu.Lock()
	mod := r.module
	r.mu.Unlock()
	if mod == nil {
		return nil, errors.NotInitialized(errors.PhaseThread, "guest module")
	}
	return mod.Instantiate(ctx, name)
}

// Main returns the main instance, or nil before Load.
func (r *Runtime) Main() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.main
}

// Report returns the import coverage of the loaded guest, or nil.
func (r *Runtime) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

// Close joins every guest thread, then releases the instance, callbacks,
// descriptors and the engine when the runtime created it.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	mod, main := r.module, r.main
	r.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if r.threads != nil {
		keep(r.threads.Close(ctx))
	}
	r.callbacks.Close()
	if main != nil {
		keep(main.inst.Close(ctx))
	}
	if mod != nil {
		keep(mod.Close(ctx))
	}
	keep(r.fs.Close())
	keep(r.closeEngine(ctx))
	r.log.Debug("runtime closed", zap.Error(first))
	return first
}

func (r *Runtime) closeEngine(ctx context.Context) error {
	if !r.ownsEngine {
		return nil
	}
	return r.engine.Close(ctx)
}
