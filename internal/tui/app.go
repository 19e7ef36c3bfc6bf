package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows a transfer view while work runs. Quitting the view cancels
// the context handed to work; Run returns work's error once it stops.
func Run(ctx context.Context, title string, ctl Controller, work func(ctx context.Context, r Reporter) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(title, ctl, cancel))

	errc := make(chan error, 1)
	go func() {
		err := work(ctx, programReporter{p: p})
		p.Send(doneMsg{err: err})
		errc <- err
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-errc
		return err
	}
	return <-errc
}
