package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/config"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		Headers(headers...)
}

// Echo sends text and prints the reply.
func Echo(ctx context.Context, c *api.Client, text string) error {
	start := time.Now()
	reply, err := c.Echo(ctx, text)
	if err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	config.Debugf("echo round trip %s", time.Since(start))
	fmt.Println(reply)
	return nil
}

// Reset reboots the device.
func Reset(ctx context.Context, c *api.Client, force bool) error {
	var err error
	if force {
		err = c.ResetForce(ctx)
	} else {
		err = c.Reset(ctx)
	}
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Println("Device is resetting")
	return nil
}

// DateTime prints the device clock, or sets it when set is non-zero.
func DateTime(ctx context.Context, c *api.Client, set time.Time) error {
	if !set.IsZero() {
		if err := c.SetDateTime(ctx, set); err != nil {
			return fmt.Errorf("set datetime: %w", err)
		}
		fmt.Printf("Device clock set to %s\n", set.Format(time.RFC3339))
		return nil
	}
	dt, err := c.DateTime(ctx)
	if err != nil {
		return fmt.Errorf("read datetime: %w", err)
	}
	fmt.Println(dt)
	return nil
}

// Tasks prints per-task statistics.
func Tasks(ctx context.Context, c *api.Client) error {
	tasks, err := c.TaskStats(ctx)
	if err != nil {
		return fmt.Errorf("task stats: %w", err)
	}
	t := newTable("TASK", "PRIO", "TID", "STATE", "STACK", "SWITCHES", "RUNTIME")
	for _, name := range sortedKeys(tasks) {
		ts := tasks[name]
		t.Row(name,
			strconv.Itoa(ts.Prio),
			strconv.Itoa(ts.TID),
			strconv.Itoa(ts.State),
			fmt.Sprintf("%d/%d", ts.StackUse, ts.StackSize),
			humanize.Comma(int64(ts.CtxSwitches)),
			humanize.Comma(int64(ts.Runtime)))
	}
	fmt.Println(t.String())
	return nil
}

// MemPools prints memory pool statistics.
func MemPools(ctx context.Context, c *api.Client) error {
	pools, err := c.MemPoolStats(ctx)
	if err != nil {
		return fmt.Errorf("mpool stats: %w", err)
	}
	t := newTable("POOL", "BLOCK", "BLOCKS", "FREE", "MIN FREE")
	for _, name := range sortedKeys(pools) {
		p := pools[name]
		t.Row(name,
			humanize.IBytes(uint64(p.BlockSize)),
			strconv.Itoa(p.Blocks),
			strconv.Itoa(p.Free),
			strconv.Itoa(p.MinFree))
	}
	fmt.Println(t.String())
	return nil
}

// Params prints the SMP buffer parameters.
func Params(ctx context.Context, c *api.Client) error {
	p, err := c.Params(ctx)
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	fmt.Printf("Buffer size:  %s\n", humanize.IBytes(uint64(p.BufSize)))
	fmt.Printf("Buffer count: %d\n", p.BufCount)
	return nil
}

// OSInfo prints the OS information string.
func OSInfo(ctx context.Context, c *api.Client, format string) error {
	out, err := c.OSInfo(ctx, format)
	if err != nil {
		return fmt.Errorf("os info: %w", err)
	}
	fmt.Println(out)
	return nil
}
