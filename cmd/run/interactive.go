package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-sqlite/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD166"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func statusStyle(s runtime.ImportStatus) lipgloss.Style {
	switch s {
	case runtime.StatusProvided:
		return funcStyle
	case runtime.StatusRetyped:
		return typeStyle
	case runtime.StatusStubbed:
		return warnStyle
	default:
		return errorStyle
	}
}

type view int

const (
	viewImports view = iota
	viewExports
	viewInputArgs
	viewResult
)

type interactiveModel struct {
	ctx      context.Context
	g        *globalFlags
	flags    *inspectFlags
	filename string
	wasm     []byte

	rt      *runtime.Runtime
	cleanup func()
	inst    *runtime.Instance
	report  *runtime.Report

	filter   textinput.Model
	args     textinput.Model
	selected int
	view     view
	result   string
	err      error
}

func newInteractiveModel(ctx context.Context, g *globalFlags, f *inspectFlags, filename string, wasm []byte) *interactiveModel {
	filter := textinput.New()
	filter.Prompt = "filter: "
	filter.Placeholder = "name or status"
	filter.Width = 40

	args := textinput.New()
	args.Prompt = "args: "
	args.Placeholder = "space separated integers"
	args.Width = 40

	return &interactiveModel{
		ctx:      ctx,
		g:        g,
		flags:    f,
		filename: filename,
		wasm:     wasm,
		filter:   filter,
		args:     args,
	}
}

type loadedMsg struct {
	err     error
	rt      *runtime.Runtime
	cleanup func()
	report  *runtime.Report
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.inspect
}

// inspect builds the report; the guest itself is loaded on the first call.
func (m *interactiveModel) inspect() tea.Msg {
	cfg := runtime.NewConfig().
		WithRoot(m.flags.root).
		WithStubMissingImports(m.flags.stub)
	rt, cleanup, err := m.g.newRuntime(m.ctx, cfg)
	if err != nil {
		return loadedMsg{err: err}
	}
	report, err := rt.Inspect(m.wasm)
	if err != nil {
		cleanup()
		return loadedMsg{err: err}
	}
	return loadedMsg{rt: rt, cleanup: cleanup, report: report}
}

func (m *interactiveModel) close() {
	if m.cleanup != nil {
		m.cleanup()
		m.cleanup = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.filter.Focused() || m.args.Focused() {
			return m.updateInput(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			m.close()
			return m, tea.Quit

		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.selected < len(m.rows())-1 {
				m.selected++
			}

		case "tab":
			switch m.view {
			case viewImports:
				m.view = viewExports
			case viewExports:
				m.view = viewImports
			}
			m.selected = 0

		case "/":
			if m.view == viewImports {
				m.filter.Focus()
				return m, textinput.Blink
			}

		case "enter":
			switch m.view {
			case viewExports:
				if len(m.rows()) > 0 {
					m.view = viewInputArgs
					m.args.SetValue("")
					m.args.Focus()
					return m, textinput.Blink
				}
			case viewResult:
				m.view = viewExports
				m.result, m.err = "", nil
			}

		case "esc":
			if m.view == viewResult {
				m.view = viewExports
				m.result, m.err = "", nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt, m.cleanup, m.report = msg.rt, msg.cleanup, msg.report

	case callResultMsg:
		m.result, m.err = msg.result, msg.err
		m.view = viewResult
	}
	return m, nil
}

func (m *interactiveModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.close()
		return m, tea.Quit
	case "esc":
		m.filter.Blur()
		m.args.Blur()
		if m.view == viewInputArgs {
			m.view = viewExports
		}
		return m, nil
	case "enter":
		if m.args.Focused() {
			m.args.Blur()
			return m, m.call
		}
		m.filter.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	if m.args.Focused() {
		m.args, cmd = m.args.Update(msg)
	} else {
		m.filter, cmd = m.filter.Update(msg)
		m.selected = 0
	}
	return m, cmd
}

// rows returns the visible entries of the current list view.
func (m *interactiveModel) rows() []string {
	if m.report == nil {
		return nil
	}
	if m.view != viewImports {
		return m.report.Exports
	}
	needle := strings.ToLower(m.filter.Value())
	var out []string
	for _, imp := range m.report.Imports {
		if needle != "" && !strings.Contains(strings.ToLower(imp.Key()), needle) &&
			string(imp.Status) != needle {
			continue
		}
		out = append(out, imp.Key())
	}
	return out
}

func (m *interactiveModel) importByKey(key string) runtime.ImportReport {
	for _, imp := range m.report.Imports {
		if imp.Key() == key {
			return imp
		}
	}
	return runtime.ImportReport{}
}

func (m *interactiveModel) call() tea.Msg {
	rows := m.rows()
	if m.selected >= len(rows) {
		return callResultMsg{err: fmt.Errorf("no export selected")}
	}
	name := rows[m.selected]

	params, err := parseArgs(m.args.Value())
	if err != nil {
		return callResultMsg{err: err}
	}

	if m.inst == nil {
		inst, err := m.rt.Load(m.ctx, m.wasm)
		if err != nil {
			return callResultMsg{err: err}
		}
		m.inst = inst
	}

	res, err := m.inst.Call(m.ctx, name, params...)
	if err != nil {
		return callResultMsg{err: err}
	}
	parts := make([]string, len(res))
	for i, v := range res {
		parts[i] = strconv.FormatInt(int64(int32(uint32(v))), 10)
		if v > 0xffffffff {
			parts[i] = strconv.FormatUint(v, 10)
		}
	}
	return callResultMsg{result: "[" + strings.Join(parts, ", ") + "]"}
}

// parseArgs reads space separated integers; negative values are stored in
// two's complement.
func parseArgs(s string) ([]uint64, error) {
	var out []uint64
	for _, field := range strings.Fields(s) {
		if v, err := strconv.ParseInt(field, 0, 64); err == nil {
			out = append(out, uint64(v))
			continue
		}
		v, err := strconv.ParseUint(field, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.view != viewResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.report == nil {
		return "Inspecting module..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("SQLite Guest"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.view {
	case viewImports:
		b.WriteString(fmt.Sprintf("Imports (%d provided, %d retyped, %d stubbed, %d unresolved)\n",
			m.report.Count(runtime.StatusProvided), m.report.Count(runtime.StatusRetyped),
			m.report.Count(runtime.StatusStubbed), len(m.report.Unresolved())))
		b.WriteString(m.filter.View())
		b.WriteString("\n\n")
		for i, key := range m.rows() {
			imp := m.importByKey(key)
			line := fmt.Sprintf("%-9s %s %s", imp.Status, key, typeStyle.Render(imp.Signature))
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + fmt.Sprintf("%-9s %s", imp.Status, key)))
				if imp.Host != "" {
					b.WriteString(errorStyle.Render("  host " + imp.Host))
				}
			} else {
				b.WriteString("  " + statusStyle(imp.Status).Render(line))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • / filter • tab exports • q quit"))

	case viewExports:
		b.WriteString("Select an export to call:\n\n")
		for i, name := range m.rows() {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + name))
			} else {
				b.WriteString("  " + funcStyle.Render(name))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • tab imports • q quit"))

	case viewInputArgs:
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(m.rows()[m.selected])))
		b.WriteString(m.args.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))

	case viewResult:
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(m.rows()[m.selected])))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(ctx context.Context, g *globalFlags, f *inspectFlags, filename string, wasm []byte) error {
	m := newInteractiveModel(ctx, g, f, filename, wasm)
	defer m.close()
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
