package main

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"blocksmith/internal/core"
	"blocksmith/internal/planner"
)

// planModel is the live full-screen view of one planning run. It drains
// the event stream one message at a time and quits when the stream
// closes or the user dismisses it.
type planModel struct {
	intent  string
	events  <-chan planner.Event
	spinner spinner.Model
	styles  styles

	lines  []string
	stage  string
	state  *core.PlannerState
	failed string
	done   bool
	width  int
	height int
}

type planEventMsg planner.Event

type planStreamClosedMsg struct{}

func newPlanModel(intent string, events <-chan planner.Event) planModel {
	st := newStyles()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = st.Success

	return planModel{
		intent:  intent,
		events:  events,
		spinner: sp,
		styles:  st,
		width:   80,
		height:  24,
	}
}

// waitForPlanEvent blocks on the stream and hands the next event to
// Update. The channel closing is its own message.
func waitForPlanEvent(events <-chan planner.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return planStreamClosedMsg{}
		}
		return planEventMsg(ev)
	}
}

func (m planModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForPlanEvent(m.events))
}

func (m planModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case planEventMsg:
		ev := planner.Event(msg)
		if ev.Kind == planner.EventStage {
			m.stage = ev.Stage
		}
		if line, show := eventLine(m.styles, ev, showPrompts); show {
			m.lines = append(m.lines, line)
		}
		if ev.Kind == planner.EventComplete {
			m.state = ev.State
			m.failed = ev.Error
		}
		return m, waitForPlanEvent(m.events)

	case planStreamClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m planModel) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Badge.Render("plan"))
	b.WriteString(" ")
	b.WriteString(m.styles.Title.Render(core.Truncate(m.intent, max(m.width-8, 20))))
	b.WriteString("\n\n")

	// Tail the log so the footer stays on screen.
	visible := m.lines
	if keep := m.height - 6; keep > 0 && len(visible) > keep {
		visible = visible[len(visible)-keep:]
	}
	for _, line := range visible {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	switch {
	case m.done && m.failed != "":
		b.WriteString(m.styles.Error.Render("✗ " + m.failed))
	case m.done:
		b.WriteString(m.styles.Success.Render("✓ plan complete"))
	default:
		b.WriteString(m.spinner.View())
		stage := m.stage
		if stage == "" {
			stage = "starting"
		}
		b.WriteString(m.styles.Muted.Render(" " + stage))
	}
	b.WriteString("\n")
	return b.String()
}
