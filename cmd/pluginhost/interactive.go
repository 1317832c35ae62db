package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-plugin-host/config"
	"github.com/wippyai/wasm-plugin-host/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	idStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	formatStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const refreshInterval = time.Second

type modelState int

const (
	stateList modelState = iota
	stateDelta
	stateBusy
)

// pluginRow is one configured plugin as shown in the list.
type pluginRow struct {
	plugin  config.Plugin
	name    string
	format  string
	loaded  bool
	running bool
	status  pluginStatus
	deltas  int
}

type interactiveModel struct {
	mgr      *runtime.Manager
	host     *statusHost
	cfg      *config.Host
	filename string
	rows     []pluginRow
	names    map[string]string
	input    textinput.Model
	notice   string
	err      error
	selected int
	state    modelState
}

type tickMsg time.Time

type actionMsg struct {
	err    error
	result string
}

func newInteractiveModel(m *runtime.Manager, cfg *config.Host, filename string, host *statusHost) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = `{"updates":[...]}`
	ti.Prompt = "delta: "
	ti.Width = 60
	model := &interactiveModel{
		mgr:      m,
		host:     host,
		cfg:      cfg,
		filename: filename,
		names:    make(map[string]string),
		input:    ti,
		state:    stateList,
	}
	model.refresh()
	return model
}

func (m *interactiveModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refresh rebuilds the rows from the manager and the host status table.
// Plugin names are asked once per load since they call into the guest.
func (m *interactiveModel) refresh() {
	rows := make([]pluginRow, 0, len(m.cfg.Plugins))
	for _, p := range m.cfg.Plugins {
		r := pluginRow{plugin: p, format: p.Format}
		if inst, ok := m.mgr.Instance(p.ID); ok {
			r.loaded = true
			r.running = m.mgr.Running(p.ID)
			r.format = inst.Format.String()
			key := inst.ID.String()
			name, seen := m.names[key]
			if !seen && inst.Exports.Name != nil {
				name, _ = inst.Exports.Name(context.Background())
				m.names[key] = name
			}
			r.name = name
		}
		if r.format == "" {
			r.format = "auto"
		}
		r.status, r.deltas = m.host.Status(p.ID)
		rows = append(rows, r)
	}
	m.rows = rows
	if m.selected >= len(m.rows) {
		m.selected = max(len(m.rows)-1, 0)
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateDelta {
			return m.updateDelta(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateList && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateList && m.selected < len(m.rows)-1 {
				m.selected++
			}

		case "s", "enter":
			return m.act(m.startSelected)

		case "x":
			return m.act(m.stopSelected)

		case "r":
			return m.act(m.reloadSelected)

		case "u":
			return m.act(m.unloadSelected)

		case "d":
			if r, ok := m.current(); ok && r.running {
				m.state = stateDelta
				m.input.SetValue("")
				m.input.Focus()
				return m, textinput.Blink
			}

		case "esc":
			m.notice = ""
			m.err = nil
		}

	case tickMsg:
		m.refresh()
		return m, tick()

	case actionMsg:
		m.state = stateList
		m.notice = msg.result
		m.err = msg.err
		m.refresh()
	}

	return m, nil
}

func (m *interactiveModel) updateDelta(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.input.Blur()
		m.state = stateList
		return m, nil
	case "enter":
		m.input.Blur()
		return m.act(m.deliverSelected(m.input.Value()))
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) current() (pluginRow, bool) {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return pluginRow{}, false
	}
	return m.rows[m.selected], true
}

// act runs an action on the selected plugin outside the update loop.
func (m *interactiveModel) act(fn func(r pluginRow) actionMsg) (tea.Model, tea.Cmd) {
	r, ok := m.current()
	if !ok || m.state == stateBusy {
		return m, nil
	}
	m.state = stateBusy
	m.notice = ""
	m.err = nil
	return m, func() tea.Msg { return fn(r) }
}

func (m *interactiveModel) startSelected(r pluginRow) actionMsg {
	if err := startPlugin(context.Background(), m.mgr, r.plugin); err != nil {
		return actionMsg{err: err}
	}
	return actionMsg{result: "started " + r.plugin.ID}
}

func (m *interactiveModel) stopSelected(r pluginRow) actionMsg {
	if !r.loaded {
		return actionMsg{err: fmt.Errorf("%s is not loaded", r.plugin.ID)}
	}
	if err := m.mgr.Stop(context.Background(), r.plugin.ID); err != nil {
		return actionMsg{err: err}
	}
	return actionMsg{result: "stopped " + r.plugin.ID}
}

// reloadSelected reloads the module from disk and starts it again if it was
// running.
func (m *interactiveModel) reloadSelected(r pluginRow) actionMsg {
	ctx := context.Background()
	if !r.loaded {
		return m.startSelected(r)
	}
	if _, err := m.mgr.Reload(ctx, r.plugin.ID); err != nil {
		return actionMsg{err: err}
	}
	if r.running {
		return m.startSelected(r)
	}
	return actionMsg{result: "reloaded " + r.plugin.ID}
}

func (m *interactiveModel) unloadSelected(r pluginRow) actionMsg {
	if !r.loaded {
		return actionMsg{err: fmt.Errorf("%s is not loaded", r.plugin.ID)}
	}
	if err := m.mgr.Unload(context.Background(), r.plugin.ID); err != nil {
		return actionMsg{err: err}
	}
	return actionMsg{result: "unloaded " + r.plugin.ID}
}

func (m *interactiveModel) deliverSelected(delta string) func(r pluginRow) actionMsg {
	return func(r pluginRow) actionMsg {
		ok, err := m.mgr.DeliverDelta(context.Background(), r.plugin.ID, delta)
		if err != nil {
			return actionMsg{err: err}
		}
		if !ok {
			return actionMsg{result: r.plugin.ID + " has no delta handler"}
		}
		return actionMsg{result: "delta delivered to " + r.plugin.ID}
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Plugin Host"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	if !m.cfg.Enabled {
		b.WriteString(errorStyle.Render("Plugins are disabled in the configuration."))
		b.WriteString("\n\n")
	}
	if len(m.rows) == 0 {
		b.WriteString("No plugins configured.\n\n")
	}
	for i, r := range m.rows {
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + plainRow(r)))
		} else {
			b.WriteString("  " + formatRow(r))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateDelta:
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter send • esc back"))
		return b.String()
	case stateBusy:
		b.WriteString("Working...\n\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
	} else if m.notice != "" {
		b.WriteString(resultStyle.Render(m.notice))
		b.WriteString("\n\n")
	}
	b.WriteString(helpStyle.Render("↑/↓ select • s start • x stop • r reload • u unload • d delta • q quit"))
	return b.String()
}

func rowState(r pluginRow) string {
	switch {
	case r.plugin.Disabled && !r.loaded:
		return "disabled"
	case r.running:
		return "running"
	case r.loaded:
		return "loaded"
	default:
		return "stopped"
	}
}

func rowLabel(r pluginRow) string {
	if r.name != "" && r.name != r.plugin.ID {
		return r.plugin.ID + " (" + r.name + ")"
	}
	return r.plugin.ID
}

// plainRow renders a row without inner styles so the selection background
// spans the whole line.
func plainRow(r pluginRow) string {
	return fmt.Sprintf("%-32s %-22s %-8s %4d  %s", rowLabel(r), r.format, rowState(r), r.deltas, r.status.Message)
}

func formatRow(r pluginRow) string {
	status := r.status.Message
	if r.status.Error {
		status = errorStyle.Render(status)
	}
	state := rowState(r)
	if r.running {
		state = resultStyle.Render(fmt.Sprintf("%-8s", state))
	} else {
		state = fmt.Sprintf("%-8s", state)
	}
	return fmt.Sprintf("%s %s %s %4d  %s",
		idStyle.Render(fmt.Sprintf("%-32s", rowLabel(r))),
		formatStyle.Render(fmt.Sprintf("%-22s", r.format)),
		state,
		r.deltas,
		status,
	)
}

func runInteractive(m *runtime.Manager, cfg *config.Host, filename string, host *statusHost) error {
	p := tea.NewProgram(newInteractiveModel(m, cfg, filename, host), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
