package api

import (
	"context"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// Statistics group command IDs.
const (
	idStatsRead = 0
	idStatsList = 1
)

// StatGroup is one statistics group and its counters.
type StatGroup struct {
	Name   string            `cbor:"name"`
	Group  string            `cbor:"group"`
	Fields map[string]uint64 `cbor:"fields"`
}

// StatsList returns the names of the statistics groups.
func (c *Client) StatsList(ctx context.Context) ([]string, error) {
	var rsp struct {
		List []string `cbor:"stat_list"`
	}
	if _, err := c.Send(ctx, read(protocol.GroupStats, idStatsList), nil, &rsp); err != nil {
		return nil, err
	}
	return rsp.List, nil
}

// StatsRead returns the counters of one statistics group.
func (c *Client) StatsRead(ctx context.Context, name string) (*StatGroup, error) {
	var g StatGroup
	if _, err := c.Send(ctx, read(protocol.GroupStats, idStatsRead), map[string]any{"name": name}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
