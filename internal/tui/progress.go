package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// ProgressState tracks byte progress and throughput of one transfer.
type ProgressState struct {
	progress progress.Model

	done, total int
	firstAt     time.Time
	firstDone   int
	lastAt      time.Time
}

// NewProgressState creates a new progress tracking state.
func NewProgressState() ProgressState {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return ProgressState{progress: p}
}

// Update records that done of total bytes had moved at time at.
func (p *ProgressState) Update(done, total int, at time.Time) {
	if p.firstAt.IsZero() {
		p.firstAt, p.firstDone = at, done
	}
	p.done, p.total, p.lastAt = done, total, at
}

// Percent returns completion in [0, 1]. An unknown total reads as zero.
func (p ProgressState) Percent() float64 {
	if p.total <= 0 {
		return 0
	}
	return min(float64(p.done)/float64(p.total), 1)
}

// Rate returns bytes per second since the first update.
func (p ProgressState) Rate() float64 {
	elapsed := p.lastAt.Sub(p.firstAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.done-p.firstDone) / elapsed
}

// ETA estimates the time left, or zero when it cannot be known.
func (p ProgressState) ETA() time.Duration {
	rate := p.Rate()
	if rate <= 0 || p.total <= 0 {
		return 0
	}
	return time.Duration(float64(p.total-p.done) / rate * float64(time.Second)).Round(time.Second)
}

// View renders the bar and the byte counts.
func (p ProgressState) View() string {
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	line := humanize.IBytes(uint64(p.done))
	if p.total > 0 {
		line += " / " + humanize.IBytes(uint64(p.total))
	}
	if rate := p.Rate(); rate > 0 {
		line += "  " + humanize.IBytes(uint64(rate)) + "/s"
	}
	if eta := p.ETA(); eta > 0 {
		line += "  " + eta.String() + " left"
	}
	return p.progress.ViewAs(p.Percent()) + "\n" + descStyle.Render(line)
}

// Reporter receives updates from the work behind a transfer view.
type Reporter interface {
	Progress(done, total int, at time.Time)
	Phase(name string)
}

// progressMsg reports bytes moved.
type progressMsg struct {
	done, total int
	at          time.Time
}

// phaseMsg names the current phase.
type phaseMsg string

// doneMsg signals the work finished.
type doneMsg struct {
	err error
}

// programReporter forwards updates into a running program.
type programReporter struct {
	p *tea.Program
}

func (r programReporter) Progress(done, total int, at time.Time) {
	r.p.Send(progressMsg{done: done, total: total, at: at})
}

func (r programReporter) Phase(name string) {
	r.p.Send(phaseMsg(name))
}
