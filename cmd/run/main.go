package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-sqlite/engine"
	"github.com/wippyai/wasm-sqlite/engine/wasmtimeengine"
	"github.com/wippyai/wasm-sqlite/engine/wazeroengine"
	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/runtime"
)

var version = "<unknown>"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	engine      string
	logLevel    string
	cacheDir    string
	interpreter bool
}

func configureCLI() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "wasm-sqlite",
		Short:         "host an Emscripten SQLite guest",
		Long:          "run - execute and inspect Emscripten-built SQLite WebAssembly guests",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(runCommand(g))
	root.AddCommand(inspectCommand(g))
	root.AddCommand(statsCommand(g))

	root.PersistentFlags().StringVar(&g.engine, "engine", "wazero", "engine backend: wazero or wasmtime")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log to stderr at this level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.cacheDir, "cache", "", "wazero compilation cache directory")
	root.PersistentFlags().BoolVar(&g.interpreter, "interpreter", false, "use wazero's interpreter")

	return root
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	if g.logLevel == "" {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(g.logLevel)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func (g *globalFlags) newEngine(ctx context.Context, log *zap.Logger) (engine.Engine, error) {
	switch g.engine {
	case "wazero":
		return wazeroengine.New(ctx, &wazeroengine.Config{
			Logger:      log,
			CacheDir:    g.cacheDir,
			Interpreter: g.interpreter,
		})
	case "wasmtime":
		return wasmtimeengine.New(&wasmtimeengine.Config{Logger: log}), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", g.engine)
	}
}

// newRuntime creates a runtime over the selected engine. The returned
// cleanup closes both.
func (g *globalFlags) newRuntime(ctx context.Context, cfg *runtime.Config) (*runtime.Runtime, func(), error) {
	log, err := g.logger()
	if err != nil {
		return nil, nil, err
	}
	engine.SetLogger(log)
	eng, err := g.newEngine(ctx, log)
	if err != nil {
		return nil, nil, err
	}
	rt, err := runtime.New(ctx, cfg.WithEngine(eng).WithLogger(log))
	if err != nil {
		_ = eng.Close(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		if err := rt.Close(ctx); err != nil {
			log.Warn("close runtime", zap.Error(err))
		}
		_ = eng.Close(ctx)
		_ = log.Sync()
	}
	return rt, cleanup, nil
}

func main() {
	if err := configureCLI().Execute(); err != nil {
		if code, ok := errors.ExitCode(err); ok {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
