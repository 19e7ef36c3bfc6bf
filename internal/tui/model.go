// Package tui renders an interactive progress view for transfers and
// firmware upgrades.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/smp-tool/internal/transfer"
)

// Controller is the intent surface of a running transfer or upgrade.
type Controller interface {
	Pause() error
	Resume() error
	Cancel() error
}

// Model is the Bubbletea model of the transfer view.
type Model struct {
	title string
	ctl   Controller
	stop  context.CancelFunc

	phase    string
	paused   bool
	progress ProgressState
	status   string
	err      error
	finished bool
	quitting bool

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// NewModel returns a view driving ctl. stop is called when the user quits.
func NewModel(title string, ctl Controller, stop context.CancelFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{
		title:    title,
		ctl:      ctl,
		stop:     stop,
		phase:    "starting",
		progress: NewProgressState(),
		keys:     DefaultKeyMap(),
		help:     help.New(),
		spinner:  s,
		styles:   DefaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progressMsg:
		m.progress.Update(msg.done, msg.total, msg.at)
		return m, nil

	case phaseMsg:
		m.phase = string(msg)
		return m, nil

	case doneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.finished {
		return m, tea.Quit
	}
	switch {
	case key.Matches(msg, m.keys.Quit):
		if !m.quitting {
			m.quitting = true
			m.status = "saving progress..."
			if m.stop != nil {
				m.stop()
			}
		}
	case key.Matches(msg, m.keys.Pause):
		if err := m.ctl.Pause(); err != nil {
			m.status = err.Error()
		} else {
			m.paused = true
			m.status = "paused"
		}
	case key.Matches(msg, m.keys.Resume):
		if err := m.ctl.Resume(); err != nil {
			m.status = err.Error()
		} else {
			m.paused = false
			m.status = ""
		}
	case key.Matches(msg, m.keys.Cancel):
		if err := m.ctl.Cancel(); err != nil {
			m.status = err.Error()
		} else {
			m.status = "cancelling..."
		}
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.title))
	if m.finished {
		b.WriteString(" " + m.styles.Subtitle.Render("ended in "+m.phase))
	}
	b.WriteString("\n\n")

	switch {
	case m.finished && m.err == nil:
		b.WriteString(m.styles.Success.Render("✓ done"))
	case m.finished && errors.Is(m.err, transfer.ErrCancelled):
		b.WriteString(m.styles.Warning.Render("cancelled"))
	case m.finished && errors.Is(m.err, context.Canceled):
		b.WriteString(m.styles.Warning.Render("stopped, progress saved"))
	case m.finished:
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("✗ %v", m.err)))
	case m.paused:
		b.WriteString(m.styles.Label.Render("Phase") + m.styles.Warning.Render(m.phase+" (paused)"))
	default:
		b.WriteString(m.spinner.View() + " " + m.styles.Label.Render("Phase") + m.styles.Value.Render(m.phase))
	}
	b.WriteString("\n\n")
	b.WriteString(m.progress.View())

	if m.status != "" && !m.finished {
		b.WriteString("\n" + m.styles.Muted.Render(m.status))
	}
	if !m.finished {
		b.WriteString("\n" + m.styles.Help.Render(m.help.View(m.keys)))
	}
	return m.styles.App.Render(b.String()) + "\n"
}
