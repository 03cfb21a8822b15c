package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jszwec/csvutil"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/wasm-sqlite/runtime"
)

type inspectFlags struct {
	json        bool
	csv         bool
	interactive bool
	stub        bool
	root        string
}

func inspectCommand(g *globalFlags) *cobra.Command {
	f := &inspectFlags{}

	cmd := &cobra.Command{
		Use:   "inspect <file.wasm>",
		Short: "report how a guest's imports resolve against the host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			wasm, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			if f.interactive {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return fmt.Errorf("--interactive needs a terminal")
				}
				return runInteractive(ctx, g, f, args[0], wasm)
			}

			cfg := runtime.NewConfig().WithStubMissingImports(f.stub)
			rt, cleanup, err := g.newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := rt.Inspect(wasm)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case f.json:
				return writeReportJSON(out, report)
			case f.csv:
				return writeReportCSV(out, report)
			default:
				color := false
				if file, ok := out.(*os.File); ok {
					color = term.IsTerminal(int(file.Fd()))
				}
				writeReportText(out, args[0], report, color)
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&f.json, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&f.csv, "csv", false, "print the imports as CSV")
	cmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false, "browse imports and call exports")
	cmd.Flags().BoolVar(&f.stub, "stub", false, "count imports the host lacks as stubbed")
	cmd.Flags().StringVar(&f.root, "root", ".", "filesystem root for exports called interactively")

	return cmd
}

func writeReportJSON(w io.Writer, report *runtime.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeReportCSV(w io.Writer, report *runtime.Report) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()
	encoder := csvutil.NewEncoder(csvWriter)
	if err := encoder.Encode(report.Imports); err != nil {
		return err
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

var statusOrder = []runtime.ImportStatus{
	runtime.StatusProvided,
	runtime.StatusRetyped,
	runtime.StatusStubbed,
	runtime.StatusMissing,
	runtime.StatusMismatch,
}

func writeReportText(w io.Writer, filename string, report *runtime.Report, color bool) {
	render := func(s runtime.ImportStatus, text string) string {
		if !color {
			return text
		}
		return statusStyle(s).Render(text)
	}

	fmt.Fprintf(w, "%s\n\n", filename)
	for _, imp := range report.Imports {
		line := fmt.Sprintf("  %-9s %-8s %s", imp.Status, imp.ABI, imp.Key())
		if imp.Signature != "" {
			line += " " + imp.Signature
		}
		if imp.Host != "" {
			line += " (host " + imp.Host + ")"
		}
		fmt.Fprintln(w, render(imp.Status, line))
	}

	var counts []string
	for _, s := range statusOrder {
		if n := report.Count(s); n > 0 {
			counts = append(counts, render(s, fmt.Sprintf("%d %s", n, s)))
		}
	}
	fmt.Fprintf(w, "\nimports: %s\n", strings.Join(counts, ", "))
	fmt.Fprintf(w, "exports: %d\n", len(report.Exports))
	fmt.Fprintf(w, "shared memory: %t\n", report.SharedMemory)

	if len(report.Callbacks) > 0 {
		names := make([]string, 0, len(report.Callbacks))
		for name := range report.Callbacks {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "callback slots:")
		for _, name := range names {
			fmt.Fprintf(w, "  %-36s %d\n", name, report.Callbacks[name])
		}
	}
}
