package api

import (
	"context"

	"github.com/vitaminmoo/smp-tool/internal/logs"
	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// Log group command IDs.
const (
	idLogRead    = 0
	idLogClear   = 1
	idLogModules = 3
	idLogLevels  = 4
	idLogNames   = 5
)

type logRead struct {
	NextIndex uint64 `cbor:"next_index"`
	Logs      []struct {
		Name    string       `cbor:"name"`
		Type    int          `cbor:"type"`
		Entries []logs.Entry `cbor:"entries"`
	} `cbor:"logs"`
}

// ReadLog reads the entries of log name starting at index. It implements
// logs.Reader.
func (c *Client) ReadLog(ctx context.Context, name string, index uint64) (logs.Page, error) {
	var rsp logRead
	payload := map[string]any{"log_name": name, "index": index}
	if _, err := c.Send(ctx, read(protocol.GroupLogs, idLogRead), payload, &rsp); err != nil {
		return logs.Page{}, err
	}

	page := logs.Page{Name: name, NextIndex: rsp.NextIndex}
	for _, l := range rsp.Logs {
		if l.Name == name || name == "" {
			page.Type = l.Type
			page.Entries = append(page.Entries, l.Entries...)
		}
	}
	return page, nil
}

// ClearLogs erases all device logs.
func (c *Client) ClearLogs(ctx context.Context) error {
	_, err := c.Send(ctx, write(protocol.GroupLogs, idLogClear), nil, nil)
	return err
}

// LogModules returns the log module IDs keyed by name.
func (c *Client) LogModules(ctx context.Context) (map[string]int, error) {
	var rsp struct {
		Modules map[string]int `cbor:"module_map"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupLogs, idLogModules), nil, &rsp); err != nil {
		return nil, err
	}
	return rsp.Modules, nil
}

// LogLevels returns the log level values keyed by name.
func (c *Client) LogLevels(ctx context.Context) (map[string]int, error) {
	var rsp struct {
		Levels map[string]int `cbor:"level_map"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupLogs, idLogLevels), nil, &rsp); err != nil {
		return nil, err
	}
	return rsp.Levels, nil
}

// LogNames returns the names of the device logs.
func (c *Client) LogNames(ctx context.Context) ([]string, error) {
	var rsp struct {
		Names []string `cbor:"log_list"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupLogs, idLogNames), nil, &rsp); err != nil {
		return nil, err
	}
	return rsp.Names, nil
}
