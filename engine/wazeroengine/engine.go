package wazeroengine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/internal/wasmbin"
)

// Config holds configuration for engine creation.
type Config struct {
	Logger *zap.Logger

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string

	// MemoryLimitPages caps every memory, in 64KiB pages.
	// 0 means wazero's default of 65536 pages.
	MemoryLimitPages uint32

	// Interpreter selects wazero's interpreter instead of the compiler.
	Interpreter bool
}

// Engine implements engine.Engine using a single wazero runtime.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	log     *zap.Logger
	loads   atomic.Uint64
}

var _ engine.Engine = (*Engine)(nil)

// New creates a wazero engine with the threads feature enabled.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	rc := wazero.NewRuntimeConfig()
	if cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{log: engine.LoggerOr(cfg.Logger).Named("wazero")}
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseEngine, errors.KindInvalidInput, err, "compilation cache")
		}
		e.cache = cache
		rc = rc.WithCompilationCache(cache)
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, rc)
	return e, nil
}

func (e *Engine) Name() string          { return "wazero" }
func (e *Engine) SupportsThreads() bool { return true }

// Runtime returns the underlying wazero runtime.
func (e *Engine) Runtime() wazero.Runtime { return e.runtime }

// Load compiles wasm and instantiates its host modules. Import module
// names are suffixed with a per-load sequence number, so the host modules
// of one load never satisfy another's imports.
func (e *Engine) Load(ctx context.Context, wasm []byte, host []engine.HostFunction) (engine.Module, error) {
	parsed, err := wasmbin.Parse(wasm)
	if err != nil {
		return nil, err
	}

	seq := e.loads.Add(1)
	rename := func(module string) string { return fmt.Sprintf("%s.%d", module, seq) }

	byModule := make(map[string][]engine.HostFunction)
	provided := make(map[string]bool, len(host))
	for _, h := range host {
		byModule[h.Module] = append(byModule[h.Module], h)
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

	m := &Module{engine: e, log: e.log.With(zap.Uint64("load", seq))}

	memImport, importsMemory := parsed.MemoryImport()
	if importsMemory {
		m.shared = memImport.Limits.Shared
		if _, ok := byModule[memImport.Module]; !ok {
			byModule[memImport.Module] = nil
		}
	} else if len(parsed.Memories) > 0 {
		m.shared = parsed.Memories[0].Shared
	}

	modules := make([]string, 0, len(byModule))
	for name := range byModule {
		modules = append(modules, name)
	}
	sort.Strings(modules)

	for _, name := range modules {
		funcs := byModule[name]
		if importsMemory && name == memImport.Module {
			err = m.instantiateEnv(ctx, rename(name), memImport, funcs)
		} else {
			err = m.instantiateHost(ctx, rename(name), funcs)
		}
		if err != nil {
			_ = m.Close(ctx)
			return nil, err
		}
	}

	renamed, err := wasmbin.RenameImportModules(wasm, rename)
	if err != nil {
		_ = m.Close(ctx)
		return nil, err
	}
	m.compiled, err = e.runtime.CompileModule(ctx, renamed)
	if err != nil {
		_ = m.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "compile failed")
	}

	m.log.Debug("module loaded",
		zap.Int("imports", len(parsed.Imports)),
		zap.Int("host_modules", len(modules)),
		zap.Bool("shared_memory", m.shared))
	return m, nil
}

func (m *Module) instantiateHost(ctx context.Context, name string, funcs []engine.HostFunction) error {
	b := m.engine.runtime.NewHostModuleBuilder(name)
	for _, h := range funcs {
		b.NewFunctionBuilder().
			WithGoModuleFunction(m.goFunc(h), valueTypes(h.Params), valueTypes(h.Results)).
			Export(h.Name)
	}
	mod, err := b.Instantiate(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseLinking, errors.KindRegistration, err, "host module "+name)
	}
	m.hostModules = append(m.hostModules, mod)
	return nil
}

// instantiateEnv places the host functions in a "<name>.host" module and
// puts a synthetic module named name in front of it that owns the memory.
func (m *Module) instantiateEnv(ctx context.Context, name string, mem wasmbin.Import, funcs []engine.HostFunction) error {
	hostName := name + ".host"
	if err := m.instantiateHost(ctx, hostName, funcs); err != nil {
		return err
	}

	env := wasmbin.EnvModule{
		HostModule: hostName,
		MemoryName: mem.Name,
		Memory:     mem.Limits,
	}
	for _, h := range funcs {
		env.Funcs = append(env.Funcs, wasmbin.EnvFunc{
			Name: h.Name,
			Type: wasmbin.FuncType{Params: h.Params, Results: h.Results},
		})
	}

	compiled, err := m.engine.runtime.CompileModule(ctx, env.Bytes())
	if err != nil {
		return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "synthetic module "+name)
	}
	m.extra = append(m.extra, compiled)
	mod, err := m.engine.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "synthetic module "+name)
	}
	m.hostModules = append(m.hostModules, mod)
	return nil
}

func (m *Module) goFunc(h engine.HostFunction) api.GoModuleFunc {
	shared := m.shared
	fn := h.Func
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		fn(ctx, &caller{mod: mod, shared: shared}, stack)
	}
}

// Close closes the runtime and everything loaded into it.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

func valueTypes(in []engine.ValueType) []api.ValueType {
	if len(in) == 0 {
		return nil
	}
	out := make([]api.ValueType, len(in))
	for i, t := range in {
		out[i] = api.ValueType(t)
	}
	return out
}

func engineTypes(in []api.ValueType) []engine.ValueType {
	if len(in) == 0 {
		return nil
	}
	out := make([]engine.ValueType, len(in))
	for i, t := range in {
		out[i] = engine.ValueType(t)
	}
	return out
}
