package wasmtimeengine

import (
	"context"

	"github.com/bytecodealliance/wasmtime-go/v41"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/internal/wasmbin"
)

// Config holds configuration for engine creation.
type Config struct {
	Logger *zap.Logger

	// MaxWasmStack limits the native stack available to guest code, in
	// bytes. 0 keeps wasmtime's default.
	MaxWasmStack uintptr
}

// Engine implements engine.Engine with wasmtime.
type Engine struct {
	engine *wasmtime.Engine
	log    *zap.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New creates a wasmtime engine.
func New(cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	wc := wasmtime.NewConfig()
	wc.SetWasmThreads(false)
	if cfg.MaxWasmStack > 0 {
		wc.SetMaxWasmStack(int(cfg.MaxWasmStack))
	}
	return &Engine{
		engine: wasmtime.NewEngineWithConfig(wc),
		log:    engine.LoggerOr(cfg.Logger).Named("wasmtime"),
	}
}

func (e *Engine) Name() string          { return "wasmtime" }
func (e *Engine) SupportsThreads() bool { return false }

// Load compiles wasm into a fresh store and defines the host functions in
// its linker.
func (e *Engine) Load(_ context.Context, wasm []byte, host []engine.HostFunction) (engine.Module, error) {
	parsed, err := wasmbin.Parse(wasm)
	if err != nil {
		return nil, err
	}
	if imp, ok := parsed.MemoryImport(); ok {
		return nil, errors.Unsupported(errors.PhaseEngine, "wasmtime: imported memory "+imp.Key()+" requires the threaded backend")
	}

	provided := make(map[string]bool, len(host))
	for _, h := range host {
		provided[h.Key()] = true
	}
	var missing []string
	for _, imp := range parsed.ImportedFuncs() {
		if !provided[imp.Key()] {
			missing = append(missing, imp.Key())
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewMissingImportsError(missing)
	}

	compiled, err := wasmtime.NewModule(e.engine, wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "compile failed")
	}

	m := &Module{
		engine: e,
		module: compiled,
		store:  wasmtime.NewStore(e.engine),
		log:    e.log,
	}
	m.linker = wasmtime.NewLinker(e.engine)
	for _, h := range host {
		if err := m.linker.FuncNew(h.Module, h.Name, funcType(h.Params, h.Results), m.trampoline(h)); err != nil {
			return nil, errors.Registration(errors.PhaseLinking, h.Module, h.Name, err)
		}
	}

	m.log.Debug("module loaded", zap.Int("imports", len(parsed.Imports)))
	return m, nil
}

func (e *Engine) Close(context.Context) error { return nil }
