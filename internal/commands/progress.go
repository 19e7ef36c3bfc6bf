package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/vitaminmoo/smp-tool/internal/tui"
)

// runWithProgress runs work behind the interactive view when stdout is a
// terminal and plain is unset, and with line output otherwise.
func runWithProgress(ctx context.Context, title string, ctl tui.Controller, plain bool, work func(context.Context, tui.Reporter) error) error {
	if !plain && isatty.IsTerminal(os.Stdout.Fd()) {
		return tui.Run(ctx, title, ctl, work)
	}
	fmt.Println(title)
	return work(ctx, newLineReporter(os.Stdout))
}

// lineReporter prints progress as lines, at most one per tenth of the
// total or per few seconds.
type lineReporter struct {
	w io.Writer

	mu       sync.Mutex
	start    time.Time
	lastAt   time.Time
	lastStep int
}

func newLineReporter(w io.Writer) *lineReporter {
	return &lineReporter{w: w, lastStep: -1}
}

func (r *lineReporter) Phase(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  %s\n", name)
}

func (r *lineReporter) Progress(done, total int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.start.IsZero() {
		r.start = at
	}

	step := -1
	if total > 0 {
		step = done * 10 / total
	}
	finished := total > 0 && done >= total
	if !finished && step == r.lastStep && at.Sub(r.lastAt) < 3*time.Second {
		return
	}
	r.lastStep, r.lastAt = step, at

	line := "    " + humanize.IBytes(uint64(done))
	if total > 0 {
		line += fmt.Sprintf(" / %s (%d%%)", humanize.IBytes(uint64(total)), done*100/total)
	}
	if elapsed := at.Sub(r.start).Seconds(); elapsed > 0 && done > 0 {
		line += fmt.Sprintf(", %s/s", humanize.IBytes(uint64(float64(done)/elapsed)))
	}
	fmt.Fprintln(r.w, line)
}

// relay forwards events to the reporter of the view that is currently
// running. Engines and upgraders are built before the view exists, so
// they report into a relay that is attached once work starts.
type relay struct {
	mu sync.Mutex
	r  tui.Reporter
}

func (x *relay) attach(r tui.Reporter) {
	x.mu.Lock()
	x.r = r
	x.mu.Unlock()
}

func (x *relay) current() tui.Reporter {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.r
}

func (x *relay) Progress(done, total int, at time.Time) {
	if r := x.current(); r != nil {
		r.Progress(done, total, at)
	}
}

func (x *relay) Phase(name string) {
	if r := x.current(); r != nil {
		r.Phase(name)
	}
}
