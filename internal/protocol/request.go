package protocol

import (
	"fmt"
	"sync/atomic"
)

var sequence atomic.Uint32

// NextSequence returns the next packet sequence number. It wraps at 256.
func NextSequence() uint8 {
	return uint8(sequence.Add(1))
}

// Command identifies one management operation: a group, a command id and
// the request op (read or write).
type Command struct {
	Op    Op
	Group Group
	ID    uint8
}

// Header returns a request header for the command. Length is filled in by Build.
func (c Command) Header(seq uint8) Header {
	return Header{
		Op:    c.Op,
		Group: c.Group,
		ID:    c.ID,
		Seq:   seq,
	}
}

func (c Command) String() string {
	return fmt.Sprintf("%s/%d %s", c.Group, c.ID, c.Op)
}
