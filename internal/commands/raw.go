package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vitaminmoo/smp-tool/internal/api"
	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// ParseGroup accepts a group number or a known group name.
func ParseGroup(s string) (protocol.Group, error) {
	if n, err := strconv.ParseUint(s, 0, 16); err == nil {
		return protocol.Group(n), nil
	}
	for _, g := range []protocol.Group{
		protocol.GroupDefault, protocol.GroupImage, protocol.GroupStats,
		protocol.GroupConfig, protocol.GroupLogs, protocol.GroupCrash,
		protocol.GroupSplit, protocol.GroupRun, protocol.GroupFS,
		protocol.GroupPerUser,
	} {
		if strings.EqualFold(g.String(), s) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown group %q", s)
}

// ParsePayload turns a JSON object into a request payload. Integral
// numbers become integers and strings prefixed with "hex:" become byte
// strings.
func ParsePayload(text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	v, err := fromJSON(m)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func fromJSON(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case string:
		if h, ok := strings.CutPrefix(x, "hex:"); ok {
			b, err := hex.DecodeString(h)
			if err != nil {
				return nil, fmt.Errorf("invalid hex string %q: %w", x, err)
			}
			return b, nil
		}
		return x, nil
	case map[string]any:
		for k, val := range x {
			conv, err := fromJSON(val)
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case []any:
		for i, val := range x {
			conv, err := fromJSON(val)
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	}
	return v, nil
}

// Raw sends an arbitrary command and prints the response.
func Raw(ctx context.Context, c *api.Client, write bool, group string, id uint8, payload string) error {
	g, err := ParseGroup(group)
	if err != nil {
		return err
	}
	p, err := ParsePayload(payload)
	if err != nil {
		return err
	}
	op := protocol.OpRead
	if write {
		op = protocol.OpWrite
	}
	rsp, err := c.Raw(ctx, op, g, id, p)
	if err != nil {
		return fmt.Errorf("%s %s/%d: %w", op, g, id, err)
	}
	return PrintValue(rsp)
}
