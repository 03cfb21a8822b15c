package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/jszwec/csvutil"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sqlite/errors"
	"github.com/wippyai/wasm-sqlite/runtime"
)

type execFlags struct {
	root       string
	cwd        string
	env        []string
	stub       bool
	maxThreads int64
	maxFiles   int32
	call       string
	statsCSV   string
	statsJSON  bool
}

func runCommand(g *globalFlags) *cobra.Command {
	f := &execFlags{}

	cmd := &cobra.Command{
		Use:     "run <file.wasm> [args...]",
		Aliases: []string{"exec"},
		Short:   "run a guest's _start, or one exported function",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasm, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runGuest(cmd.Context(), g, f, wasm, args, cmd.OutOrStdout())
		},
	}
	guestFlags(cmd, f)
	cmd.Flags().StringVar(&f.statsCSV, "stats-csv", "", "write per-import call counts to this CSV file ('-' for stdout)")

	return cmd
}

func statsCommand(g *globalFlags) *cobra.Command {
	f := &execFlags{statsJSON: true}

	cmd := &cobra.Command{
		Use:   "stats <file.wasm> [args...]",
		Short: "run a guest and print the runtime counters as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasm, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runGuest(cmd.Context(), g, f, wasm, args, cmd.OutOrStdout())
		},
	}
	guestFlags(cmd, f)

	return cmd
}

func guestFlags(cmd *cobra.Command, f *execFlags) {
	cmd.Flags().StringVar(&f.root, "root", ".", "host directory the guest filesystem is confined to")
	cmd.Flags().StringVar(&f.cwd, "cwd", "/", "guest working directory")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "guest environment entry KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.stub, "stub", false, "stub imports the host does not provide")
	cmd.Flags().Int64Var(&f.maxThreads, "max-threads", 0, "cap on live guest threads (0 for the default)")
	cmd.Flags().Int32Var(&f.maxFiles, "max-files", 0, "cap on open descriptors (0 for the default)")
	cmd.Flags().StringVar(&f.call, "call", "", "call this nullary export instead of _start")
}

func runGuest(ctx context.Context, g *globalFlags, f *execFlags, wasm []byte, args []string, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := runtime.NewConfig().
		WithRoot(f.root).
		WithCwd(f.cwd).
		WithEnv(f.env...).
		WithArgs(args...).
		WithStdio(os.Stdin, os.Stdout, os.Stderr).
		WithStubMissingImports(f.stub)
	if f.maxThreads > 0 {
		cfg = cfg.WithMaxThreads(f.maxThreads)
	}
	if f.maxFiles > 0 {
		cfg = cfg.WithMaxFiles(f.maxFiles)
	}

	rt, cleanup, err := g.newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	inst, err := rt.Load(ctx, wasm)
	if err != nil {
		return err
	}

	var code uint32
	if f.call != "" {
		var res []uint64
		res, err = inst.Call(ctx, f.call)
		if err == nil && len(res) > 0 {
			fmt.Fprintf(stdout, "%s() = %d\n", f.call, int64(res[0]))
		}
		if c, ok := errors.ExitCode(err); ok {
			code, err = c, nil
		}
	} else if inst.Exported(runtime.ExportStart) {
		code, err = inst.Run(ctx)
	}
	if err != nil {
		return err
	}

	if f.statsCSV != "" {
		if err := writeStats(f.statsCSV, rt.Stats(), stdout); err != nil {
			return err
		}
	}
	if f.statsJSON {
		data, err := json.MarshalIndent(rt.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
	}
	if code != 0 {
		return &errors.ExitError{Code: code}
	}
	return nil
}

func writeStats(path string, stats runtime.Stats, stdout io.Writer) error {
	w := stdout
	if path != "-" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()
	encoder := csvutil.NewEncoder(csvWriter)
	if err := encoder.Encode(stats.Imports); err != nil {
		return err
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
