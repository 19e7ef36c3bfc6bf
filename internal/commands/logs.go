package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/logs"
)

// LogsShow prints the entries of one log, or of every log when all is set.
// An empty name reads whatever the device returns for the unnamed log.
func LogsShow(ctx context.Context, s *Session, name string, all bool) error {
	pager := logs.NewPager(s.Client, s.log.Named("logs"))
	modules := moduleNames(ctx, s.Client)

	if !all {
		c, err := pager.PullAll(ctx, name)
		printEntries(c, modules)
		if err != nil {
			return fmt.Errorf("read log %q: %w", name, err)
		}
		return nil
	}

	names, err := s.Client.LogNames(ctx)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}
	failed := 0
	for _, res := range pager.Sweep(ctx, names) {
		fmt.Printf("== %s ==\n", res.Cursor.Name)
		printEntries(res.Cursor, modules)
		if res.Err != nil {
			failed++
			fmt.Printf("error: %v\n", res.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d logs could not be read", failed, len(names))
	}
	return nil
}

// moduleNames maps module IDs to names. Devices without the module list
// leave entries showing the numeric ID.
func moduleNames(ctx context.Context, c *api.Client) map[int]string {
	m, err := c.LogModules(ctx)
	if err != nil {
		return nil
	}
	out := make(map[int]string, len(m))
	for name, id := range m {
		out[id] = name
	}
	return out
}

func printEntries(c logs.Cursor, modules map[int]string) {
	if len(c.Entries) == 0 {
		fmt.Println("(no entries)")
		return
	}
	for _, e := range c.Entries {
		mod, ok := modules[e.Module]
		if !ok {
			mod = strconv.Itoa(e.Module)
		}
		fmt.Printf("%6d %s %-8s %-10s %s\n", e.Index, e.Time().UTC().Format(time.RFC3339Nano), e.Level, mod, e.Msg)
	}
}

// LogsClear erases the device logs.
func LogsClear(ctx context.Context, c *api.Client, yes bool) error {
	if !yes && !ConfirmAction("Clear all device logs? Type 'yes' to continue: ") {
		fmt.Println("Aborted")
		return nil
	}
	if err := c.ClearLogs(ctx); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	fmt.Println("Logs cleared")
	return nil
}

// LogsList prints the log names.
func LogsList(ctx context.Context, c *api.Client) error {
	names, err := c.LogNames(ctx)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// LogsModules prints the log module map.
func LogsModules(ctx context.Context, c *api.Client) error {
	m, err := c.LogModules(ctx)
	if err != nil {
		return fmt.Errorf("log modules: %w", err)
	}
	printIDMap(m)
	return nil
}

// LogsLevels prints the log level map.
func LogsLevels(ctx context.Context, c *api.Client) error {
	m, err := c.LogLevels(ctx)
	if err != nil {
		return fmt.Errorf("log levels: %w", err)
	}
	printIDMap(m)
	return nil
}

func printIDMap(m map[string]int) {
	names := sortedKeys(m)
	sort.SliceStable(names, func(i, j int) bool { return m[names[i]] < m[names[j]] })
	for _, n := range names {
		fmt.Printf("%4d  %s\n", m[n], n)
	}
}
