package api

import (
	"context"
	"time"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// Default (OS) group command IDs.
const (
	idEcho     = 0
	idTasks    = 2
	idMemPool  = 3
	idDateTime = 4
	idReset    = 5
	idParams   = 6
	idOSInfo   = 7
)

// DateTimeLayout is the device date-time format.
const DateTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// TaskStat describes one task or thread.
type TaskStat struct {
	Prio        int    `cbor:"prio"`
	TID         int    `cbor:"tid"`
	State       int    `cbor:"state"`
	StackUse    int    `cbor:"stkuse"`
	StackSize   int    `cbor:"stksiz"`
	CtxSwitches uint64 `cbor:"cswcnt"`
	Runtime     uint64 `cbor:"runtime"`
	LastCheckin uint64 `cbor:"last_checkin"`
	NextCheckin uint64 `cbor:"next_checkin"`
}

// MemPool describes one memory pool.
type MemPool struct {
	BlockSize int `cbor:"blksiz"`
	Blocks    int `cbor:"nblks"`
	Free      int `cbor:"nfree"`
	MinFree   int `cbor:"min"`
}

// Params are the device's SMP buffer parameters.
type Params struct {
	BufSize  int `cbor:"buf_size"`
	BufCount int `cbor:"buf_count"`
}

// Echo sends text and returns the device's echo.
func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	var rsp struct {
		R string `cbor:"r"`
	}
	if _, err := c.Send(ctx, write(protocol.GroupDefault, idEcho), map[string]any{"d": text}, &rsp); err != nil {
		return "", err
	}
	return rsp.R, nil
}

// TaskStats returns per-task statistics keyed by task name.
func (c *Client) TaskStats(ctx context.Context) (map[string]TaskStat, error) {
	var rsp struct {
		Tasks map[string]TaskStat `cbor:"tasks"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupDefault, idTasks), nil, &rsp); err != nil {
		return nil, err
	}
	return rsp.Tasks, nil
}

// MemPoolStats returns memory pool statistics keyed by pool name.
func (c *Client) MemPoolStats(ctx context.Context) (map[string]MemPool, error) {
	var rsp struct {
		Pools map[string]MemPool `cbor:"mpools"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupDefault, idMemPool), nil, &rsp); err != nil {
		return nil, err
	}
	return rsp.Pools, nil
}

// DateTime returns the device clock as reported.
func (c *Client) DateTime(ctx context.Context) (string, error) {
	var rsp struct {
		DateTime string `cbor:"datetime"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupDefault, idDateTime), nil, &rsp); err != nil {
		return "", err
	}
	return rsp.DateTime, nil
}

// SetDateTime sets the device clock.
func (c *Client) SetDateTime(ctx context.Context, t time.Time) error {
	_, err := c.Send(ctx, write(protocol.GroupDefault, idDateTime), map[string]any{"datetime": t.Format(DateTimeLayout)}, nil)
	return err
}

// Reset reboots the device.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Send(ctx, write(protocol.GroupDefault, idReset), nil, nil)
	return err
}

// ResetForce reboots the device even if an application vetoes it.
func (c *Client) ResetForce(ctx context.Context) error {
	_, err := c.Send(ctx, write(protocol.GroupDefault, idReset), map[string]any{"force": 1}, nil)
	return err
}

// Params returns the device's SMP buffer parameters.
func (c *Client) Params(ctx context.Context) (*Params, error) {
	var p Params
	if _, err := c.Send(ctx, read(protocol.GroupDefault, idParams), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// OSInfo returns the OS/application information string. format selects
// the fields, as with uname; empty means the device default.
func (c *Client) OSInfo(ctx context.Context, format string) (string, error) {
	var payload map[string]any
	if format != "" {
		payload = map[string]any{"format": format}
	}
	var rsp struct {
		Output string `cbor:"output"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupDefault, idOSInfo), payload, &rsp); err != nil {
		return "", err
	}
	return rsp.Output, nil
}
