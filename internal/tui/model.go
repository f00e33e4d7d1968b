// Package tui renders a live run dashboard: one line per step with its
// status, a spinner on the running step, and an overall progress bar.
// Events arrive from the orchestrator via tea.Program.Send, so the run
// itself executes on its own goroutine.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tabflow/tabflow/internal/orchestrator"
	"github.com/tabflow/tabflow/internal/pipeline"
)

// DoneMsg signals that the run goroutine has returned.
type DoneMsg struct {
	Err error
}

type stepRow struct {
	name    string
	status  pipeline.Status
	message string
}

// Model is the dashboard for one pipeline run.
type Model struct {
	cancel  context.CancelFunc
	spinner spinner.Model
	bar     progress.Model

	rows      []stepRow
	runID     string
	complete  int
	summary   string
	err       error
	done      bool
	cancelled bool
	width     int
}

// NewModel builds a dashboard for the named steps in execution order.
// cancel is invoked when the user quits mid-run.
func NewModel(stepNames []string, cancel context.CancelFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = stylePrompt

	rows := make([]stepRow, len(stepNames))
	for i, name := range stepNames {
		rows[i] = stepRow{name: name, status: pipeline.StatusPending}
	}

	return Model{
		cancel:  cancel,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient()),
		rows:    rows,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.cancelled {
				m.cancelled = true
				m.cancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - 8
		if w > 50 {
			w = 50
		}
		if w > 0 {
			m.bar.Width = w
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd

	case orchestrator.Event:
		return m.applyEvent(msg)

	case DoneMsg:
		m.done = true
		if m.err == nil {
			m.err = msg.Err
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) applyEvent(ev orchestrator.Event) (tea.Model, tea.Cmd) {
	if m.runID == "" {
		m.runID = ev.RunID
	}

	switch ev.Type {
	case orchestrator.EventStepStarted:
		if i := m.rowIndex(ev.Step); i >= 0 {
			m.rows[i].status = pipeline.StatusRunning
		}
	case orchestrator.EventStepFinished:
		if i := m.rowIndex(ev.Step); i >= 0 {
			m.rows[i].status = ev.Status
			m.rows[i].message = ev.Message
			if ev.Status == pipeline.StatusFailed && ev.Err != nil {
				m.rows[i].message = ev.Err.Error()
			}
		}
		m.complete++
		return m, m.bar.SetPercent(m.pct())
	case orchestrator.EventRunFinished:
		m.summary = ev.Summary
		if ev.Err != nil {
			m.err = ev.Err
		}
	}
	return m, nil
}

func (m Model) rowIndex(name string) int {
	for i, row := range m.rows {
		if row.name == name {
			return i
		}
	}
	return -1
}

func (m Model) pct() float64 {
	if len(m.rows) == 0 {
		return 0
	}
	return float64(m.complete) / float64(len(m.rows))
}

func (m Model) View() string {
	var b strings.Builder

	title := "Pipeline run"
	if m.runID != "" {
		title = "Pipeline run " + m.runID
	}
	b.WriteString(styleTitle.Render(title))
	b.WriteString("\n")

	for _, row := range m.rows {
		b.WriteString(m.renderRow(row))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.pct()))
	b.WriteString(fmt.Sprintf("  %d/%d", m.complete, len(m.rows)))
	b.WriteString("\n")

	switch {
	case m.summary != "":
		b.WriteString(styleFooter.Render(m.summary))
	case m.cancelled:
		b.WriteString(styleError.Render("Cancelling, saving checkpoint..."))
	default:
		b.WriteString(styleFooter.Render("press q to cancel"))
	}
	b.WriteString("\n")

	return b.String()
}

func (m Model) renderRow(row stepRow) string {
	var icon string
	switch row.status {
	case pipeline.StatusRunning:
		icon = m.spinner.View()
	case pipeline.StatusSuccess:
		icon = styleSuccess.Render("✓")
	case pipeline.StatusFailed:
		icon = styleError.Render("✗")
	case pipeline.StatusSkipped:
		icon = styleSkipped.Render("-")
	default:
		icon = stylePending.Render("·")
	}

	line := fmt.Sprintf("  %s %s", icon, styleStepName.Render(row.name))
	if row.message != "" {
		msg := row.message
		if m.width > 0 && len(line)+len(msg)+3 > m.width {
			keep := m.width - len(line) - 6
			if keep > 0 && keep < len(msg) {
				msg = msg[:keep] + "..."
			}
		}
		line += styleMessage.Render("  " + msg)
	}
	return line
}

// Err returns the run error captured by the dashboard, if any.
func (m Model) Err() error {
	return m.err
}
