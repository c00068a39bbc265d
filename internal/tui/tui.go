// Package tui renders a single-screen flashing progress readout,
// scaled down from the full chat interface in internal/cli/ui to the
// handful of fields a flashing run actually produces: phase, current
// message, device vars once known, and a scrolling log tail.
//
// Grounded on internal/cli/ui/ui.go's Model/Init/Update/View shape,
// its headerStyle/footerStyle/progressStyle lipgloss palette, and its
// renderProgressBar helper.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/remittor/sxflasher/internal/orchestrator"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	logStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))
)

var phaseOrder = []string{
	orchestrator.PhaseConnect,
	orchestrator.PhaseBattery,
	orchestrator.PhaseActivate,
	orchestrator.PhaseRepartition,
	orchestrator.PhaseSin,
	orchestrator.PhaseTA,
	orchestrator.PhaseBoot,
	orchestrator.PhaseSlot,
	orchestrator.PhaseDeactivate,
	orchestrator.PhaseSync,
	orchestrator.PhaseDone,
}

func phaseIndex(phase string) int {
	for i, p := range phaseOrder {
		if p == phase {
			return i
		}
	}
	return 0
}

// eventMsg wraps one orchestrator.Event for delivery into Update.
type eventMsg orchestrator.Event

// Model is the bubbletea model for one flashing run.
type Model struct {
	events <-chan orchestrator.Event

	width, height int
	phase         string
	message       string
	errMsg        string
	done          bool
	vars          orchestrator.DeviceVars
	log           []string
}

// New builds a Model that reads progress events from events until it
// is closed.
func New(events <-chan orchestrator.Event) Model {
	return Model{events: events, phase: "starting"}
}

func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return eventMsg{Phase: orchestrator.PhaseDone, Message: "disconnected"}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case eventMsg:
		m.phase = msg.Phase
		m.message = msg.Message
		if msg.Err != nil {
			m.errMsg = msg.Err.Error()
		}
		line := fmt.Sprintf("[%s] %s: %s", time.Now().Format("15:04:05"), msg.Phase, msg.Message)
		if msg.Err != nil {
			line += ": " + msg.Err.Error()
		}
		m.log = append(m.log, line)
		if len(m.log) > 200 {
			m.log = m.log[len(m.log)-200:]
		}
		if msg.Phase == orchestrator.PhaseDone {
			m.done = true
			return m, tea.Quit
		}
		return m, m.waitForEvent()
	}
	return m, nil
}

// SetDeviceVars sets the vars whose product and serial number View
// shows in the header line. Run does not call it, so a program started
// by Run shows no device vars.
func (m *Model) SetDeviceVars(v orchestrator.DeviceVars) {
	m.vars = v
}

func renderBar(progress float64, width int) string {
	if width < 3 {
		width = 3
	}
	filled := int(float64(width-2) * progress)
	if filled < 0 {
		filled = 0
	}
	if filled > width-2 {
		filled = width - 2
	}
	empty := width - 2 - filled
	return barStyle.Render("[" + strings.Repeat("█", filled) + strings.Repeat("░", empty) + "]")
}

func (m Model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	title := " sxflasher"
	if m.vars.Product != "" {
		title += fmt.Sprintf(" | %s %s", m.vars.Product, m.vars.SerialNo)
	}
	header := headerStyle.Width(width).Render(title)

	progress := float64(phaseIndex(m.phase)) / float64(len(phaseOrder)-1)
	var body strings.Builder
	fmt.Fprintf(&body, "phase: %s\n", m.phase)
	fmt.Fprintf(&body, "%s  %.0f%%\n\n", renderBar(progress, width-4), progress*100)
	body.WriteString(progressStyle.Render(m.message) + "\n")
	if m.errMsg != "" {
		body.WriteString(errorStyle.Render("error: "+m.errMsg) + "\n")
	}

	logHeight := m.height - 8
	if logHeight < 3 {
		logHeight = 3
	}
	start := 0
	if len(m.log) > logHeight {
		start = len(m.log) - logHeight
	}
	logContent := strings.Join(m.log[start:], "\n")
	logBox := logStyle.Width(width - 4).Height(logHeight).Render(logContent)

	footerText := "ctrl+c to quit"
	if m.done {
		footerText = "flash complete — exiting"
	}
	footer := footerStyle.Width(width).Render(footerText)

	return lipgloss.JoinVertical(lipgloss.Left, header, body.String(), logBox, footer)
}

// Run starts the bubbletea program in the alt screen, blocking until
// the run finishes or the user quits.
func Run(events <-chan orchestrator.Event) error {
	p := tea.NewProgram(New(events), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
