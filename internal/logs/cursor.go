package logs

import (
	"context"

	"go.uber.org/zap"
)

// Reader reads the page of log name that starts at index.
type Reader interface {
	ReadLog(ctx context.Context, name string, index uint64) (Page, error)
}

// Cursor is the pagination state of one log. It is a plain value: PullNext
// returns an updated copy, so a cursor can be kept, saved or discarded freely.
type Cursor struct {
	Name      string
	NextIndex uint64
	Entries   []Entry
	Exhausted bool
}

// Reset rewinds the cursor for a fresh pull.
func (c *Cursor) Reset() {
	c.NextIndex = 0
	c.Entries = nil
	c.Exhausted = false
}

// Pager issues log reads.
type Pager struct {
	r   Reader
	log *zap.Logger
}

// NewPager returns a Pager reading through r.
func NewPager(r Reader, log *zap.Logger) *Pager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pager{r: r, log: log}
}

// PullNext reads one page at c.NextIndex. An empty page marks the cursor
// exhausted; otherwise the entries are appended and NextIndex moves past
// the last one.
func (p *Pager) PullNext(ctx context.Context, c Cursor) (Cursor, error) {
	page, err := p.r.ReadLog(ctx, c.Name, c.NextIndex)
	if err != nil {
		return c, err
	}
	if len(page.Entries) == 0 {
		c.Exhausted = true
		return c, nil
	}

	if first := page.Entries[0].Index; first != c.NextIndex {
		// Entries may have rotated out or the log may have been cleared.
		p.log.Warn("log index mismatch",
			zap.String("log", c.Name),
			zap.Uint64("requested", c.NextIndex),
			zap.Uint64("first", first))
	}

	next := page.Entries[len(page.Entries)-1].Index + 1
	if next <= c.NextIndex {
		p.log.Warn("log index did not advance, stopping",
			zap.String("log", c.Name),
			zap.Uint64("index", c.NextIndex))
		c.Exhausted = true
		return c, nil
	}

	entries := make([]Entry, len(c.Entries), len(c.Entries)+len(page.Entries))
	copy(entries, c.Entries)
	c.Entries = append(entries, page.Entries...)
	c.NextIndex = next
	return c, nil
}

// PullAll reads log name from the start until it is exhausted. On error the
// entries read so far are returned with it.
func (p *Pager) PullAll(ctx context.Context, name string) (Cursor, error) {
	c := Cursor{Name: name}
	for !c.Exhausted {
		var err error
		if c, err = p.PullNext(ctx, c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// SweepResult is the outcome of reading one log in a sweep.
type SweepResult struct {
	Cursor Cursor
	Err    error
}

// Sweep pulls every named log. A failure on one log is recorded in its
// result and does not stop the others.
func (p *Pager) Sweep(ctx context.Context, names []string) []SweepResult {
	results := make([]SweepResult, 0, len(names))
	for _, name := range names {
		c, err := p.PullAll(ctx, name)
		if err != nil {
			p.log.Warn("log read failed", zap.String("log", name), zap.Error(err))
		}
		results = append(results, SweepResult{Cursor: c, Err: err})
	}
	return results
}
