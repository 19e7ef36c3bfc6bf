package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/smp-tool/internal/api"
)

// StatsList prints the statistics group names.
func StatsList(ctx context.Context, c *api.Client) error {
	names, err := c.StatsList(ctx)
	if err != nil {
		return fmt.Errorf("list stats: %w", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// StatsRead prints the counters of one group.
func StatsRead(ctx context.Context, c *api.Client, name string) error {
	g, err := c.StatsRead(ctx, name)
	if err != nil {
		return fmt.Errorf("read stats %q: %w", name, err)
	}
	title := g.Name
	if title == "" {
		title = name
	}
	if g.Group != "" && g.Group != title {
		title += " (" + g.Group + ")"
	}
	t := newTable("FIELD", "VALUE")
	for _, f := range sortedKeys(g.Fields) {
		t.Row(f, humanize.Comma(int64(g.Fields[f])))
	}
	fmt.Println(title)
	fmt.Println(t.String())
	return nil
}
