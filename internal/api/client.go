// Package api provides typed SMP commands on top of a transport.Dispatcher.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// Sender is the request path the client uses; *transport.Dispatcher
// implements it.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command, payload map[string]any, out any) (*protocol.Response, error)
	Scheme() protocol.Scheme
	MaxWriteSize() int
}

// Client provides a high-level API for managing SMP devices.
// It wraps the request dispatcher and provides typed methods for each command.
type Client struct {
	s       Sender
	timeout time.Duration
}

// New creates a new API client sending through s.
func New(s Sender) *Client {
	return &Client{
		s:       s,
		timeout: 10 * time.Second,
	}
}

// SetTimeout sets the default request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Scheme returns the wire scheme of the underlying link.
func (c *Client) Scheme() protocol.Scheme { return c.s.Scheme() }

// --- Low-level send methods ---

func read(g protocol.Group, id uint8) protocol.Command {
	return protocol.Command{Op: protocol.OpRead, Group: g, ID: id}
}

func write(g protocol.Group, id uint8) protocol.Command {
	return protocol.Command{Op: protocol.OpWrite, Group: g, ID: id}
}

// Send issues one command with the client timeout applied and decodes the
// response into out.
func (c *Client) Send(ctx context.Context, cmd protocol.Command, payload map[string]any, out any) (*protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if payload == nil {
		payload = map[string]any{}
	}
	return c.s.Send(ctx, cmd, payload, out)
}

// Raw sends an arbitrary command and returns the decoded response map,
// without the embedded header of CoAP schemes.
func (c *Client) Raw(ctx context.Context, op protocol.Op, group protocol.Group, id uint8, payload map[string]any) (map[string]any, error) {
	resp, err := c.Send(ctx, protocol.Command{Op: op, Group: group, ID: id}, payload, nil)
	if err != nil {
		return nil, err
	}
	m, err := protocol.DecodeMap(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	delete(m, protocol.HeaderKey)
	return m, nil
}

// chunkOverhead returns the bytes a request adds around a data field,
// given a sample of its largest non-data fields.
func (c *Client) chunkOverhead(sample map[string]any) int {
	m := make(map[string]any, len(sample)+2)
	for k, v := range sample {
		m[k] = v
	}
	m["data"] = []byte{}
	overhead := protocol.HeaderSize
	if c.s.Scheme().IsCoap() {
		m[protocol.HeaderKey] = make([]byte, protocol.HeaderSize)
		overhead = 0
	}
	enc, err := protocol.CBOR.Marshal(m)
	if err != nil {
		return protocol.HeaderSize + 64
	}
	// An empty byte string encodes in one byte; up to 64 KiB needs three.
	return overhead + len(enc) + 2
}

// chunkSize fits data chunks for requests shaped like sample into one write.
func (c *Client) chunkSize(sample map[string]any) int {
	return max(c.s.MaxWriteSize()-c.chunkOverhead(sample), 1)
}
