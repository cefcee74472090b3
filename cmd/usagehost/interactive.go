package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/host"
	"github.com/wippyai/wasm-usage-host/usage"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	usageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	metaStyle = lipgloss.NewStyle().
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

type consoleState int

const (
	stateSelectUsage consoleState = iota
	stateEditPayload
	stateShowResult
)

type console struct {
	ctx      context.Context
	err      error
	host     *host.Host
	result   string
	usages   []usage.Usage
	payload  textinput.Model
	selected int
	state    consoleState
}

type callResultMsg struct {
	err    error
	result string
}

func newConsole(ctx context.Context, h *host.Host) *console {
	ti := textinput.New()
	ti.Prompt = "payload: "
	ti.Placeholder = `{"key":"value"}`
	ti.Width = 60
	return &console{
		ctx:     ctx,
		host:    h,
		usages:  h.Usages(),
		payload: ti,
		state:   stateSelectUsage,
	}
}

func (m *console) Init() tea.Cmd {
	return nil
}

func (m *console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateEditPayload {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectUsage && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectUsage && m.selected < len(m.usages)-1 {
				m.selected++
			}

		case "r":
			if m.state == stateSelectUsage {
				m.usages = m.host.Usages()
				if m.selected >= len(m.usages) {
					m.selected = 0
				}
			}

		case "enter":
			switch m.state {
			case stateSelectUsage:
				if len(m.usages) == 0 {
					return m, nil
				}
				m.payload.Reset()
				m.payload.Focus()
				m.state = stateEditPayload
				return m, textinput.Blink

			case stateEditPayload:
				m.payload.Blur()
				return m, m.callUsage

			case stateShowResult:
				m.state = stateSelectUsage
				m.result = ""
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateEditPayload:
				m.payload.Blur()
				m.state = stateSelectUsage
			case stateShowResult:
				m.state = stateSelectUsage
				m.result = ""
				m.err = nil
			}
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateEditPayload {
		var cmd tea.Cmd
		m.payload, cmd = m.payload.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *console) callUsage() tea.Msg {
	u := m.usages[m.selected]
	payload, err := dton.FromJSON([]byte(m.payload.Value()))
	if err != nil {
		return callResultMsg{err: err}
	}
	out := m.host.Call(m.ctx, u.Name, payload)
	if out.IsEmpty() {
		return callResultMsg{result: "(empty)"}
	}
	return callResultMsg{result: out.Text()}
}

func (m *console) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Usage Host"))
	fmt.Fprintf(&b, " %d usages\n\n", len(m.usages))

	switch m.state {
	case stateSelectUsage:
		if len(m.usages) == 0 {
			b.WriteString("No usages registered.\n\n")
			b.WriteString(helpStyle.Render("r refresh • q quit"))
			break
		}
		b.WriteString("Select a usage to call:\n\n")
		for i, u := range m.usages {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatUsage(u)))
			} else {
				b.WriteString("  " + formatUsage(u))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • r refresh • q quit"))

	case stateEditPayload:
		u := m.usages[m.selected]
		fmt.Fprintf(&b, "Calling %s\n\n", usageStyle.Render(u.Name))
		b.WriteString(m.payload.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))

	case stateShowResult:
		u := m.usages[m.selected]
		fmt.Fprintf(&b, "Result of %s:\n\n", usageStyle.Render(u.Name))
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

func formatUsage(u usage.Usage) string {
	s := usageStyle.Render(u.Name) + fmt.Sprintf("  slot %d", u.Slot)
	if !u.Metadata.IsEmpty() {
		s += "  " + metaStyle.Render(u.Metadata.Text())
	}
	return s
}

func runInteractive(ctx context.Context, h *host.Host) error {
	p := tea.NewProgram(newConsole(ctx, h), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
