package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/smp-tool/internal/transfer"
)

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) Pause() error  { f.calls = append(f.calls, "pause"); return f.err }
func (f *fakeController) Resume() error { f.calls = append(f.calls, "resume"); return f.err }
func (f *fakeController) Cancel() error { f.calls = append(f.calls, "cancel"); return f.err }

func press(m tea.Model, k string) tea.Model {
	var msg tea.KeyMsg
	if k == "ctrl+c" {
		msg = tea.KeyMsg{Type: tea.KeyCtrlC}
	} else {
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	m, _ = m.Update(msg)
	return m
}

func TestKeysDriveController(t *testing.T) {
	ctl := &fakeController{}
	var m tea.Model = NewModel("upload", ctl, nil)

	m = press(m, "p")
	if !m.(Model).paused || !strings.Contains(m.View(), "paused") {
		t.Fatal("pause not shown")
	}
	m = press(m, "r")
	if m.(Model).paused {
		t.Fatal("still paused after resume")
	}
	m = press(m, "c")
	if m.(Model).status != "cancelling..." {
		t.Fatalf("status = %q", m.(Model).status)
	}

	want := []string{"pause", "resume", "cancel"}
	if strings.Join(ctl.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", ctl.calls)
	}
}

func TestControllerErrorShown(t *testing.T) {
	ctl := &fakeController{err: transfer.ErrFinished}
	var m tea.Model = NewModel("upload", ctl, nil)
	m = press(m, "p")
	if m.(Model).paused || !strings.Contains(m.View(), transfer.ErrFinished.Error()) {
		t.Fatal("pause error not shown")
	}
}

func TestQuitStopsWork(t *testing.T) {
	stopped := 0
	var m tea.Model = NewModel("upload", &fakeController{}, func() { stopped++ })
	m = press(m, "ctrl+c")
	m = press(m, "q")
	if stopped != 1 {
		t.Fatalf("stop called %d times", stopped)
	}

	m, cmd := m.Update(doneMsg{err: errors.New("context canceled")})
	if cmd == nil {
		t.Fatal("done did not quit")
	}
	if !m.(Model).finished {
		t.Fatal("not finished")
	}
}

func TestProgressAndPhase(t *testing.T) {
	var m tea.Model = NewModel("image upgrade", &fakeController{}, nil)
	t0 := time.Unix(1000, 0)
	m, _ = m.Update(phaseMsg("upload"))
	m, _ = m.Update(progressMsg{done: 0, total: 4096, at: t0})
	m, _ = m.Update(progressMsg{done: 2048, total: 4096, at: t0.Add(2 * time.Second)})

	got := m.(Model)
	if got.phase != "upload" {
		t.Fatalf("phase = %q", got.phase)
	}
	if p := got.progress.Percent(); p != 0.5 {
		t.Fatalf("percent = %v", p)
	}
	if r := got.progress.Rate(); r != 1024 {
		t.Fatalf("rate = %v", r)
	}
	if eta := got.progress.ETA(); eta != 2*time.Second {
		t.Fatalf("eta = %v", eta)
	}
	if !strings.Contains(m.View(), "2.0 KiB / 4.0 KiB") {
		t.Fatalf("view = %s", m.View())
	}

	m, _ = m.Update(doneMsg{err: transfer.ErrCancelled})
	if v := m.View(); !strings.Contains(v, "cancelled") || !strings.Contains(v, "ended in upload") {
		t.Fatalf("view = %s", v)
	}
}

func TestUnknownTotal(t *testing.T) {
	var p ProgressState
	p.Update(100, 0, time.Unix(0, 0))
	if p.Percent() != 0 || p.ETA() != 0 {
		t.Fatal("unknown total should give no percent or eta")
	}
}
