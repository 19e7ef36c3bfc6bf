package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of an encoded SMP header.
const HeaderSize = 8

// SMP protocol versions carried in bits 3-4 of the first header byte.
const (
	VersionLegacy uint8 = 0
	Version2      uint8 = 1
)

// Op is the operation field of the header.
type Op uint8

const (
	OpRead     Op = 0
	OpReadRsp  Op = 1
	OpWrite    Op = 2
	OpWriteRsp Op = 3
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpReadRsp:
		return "read-rsp"
	case OpWrite:
		return "write"
	case OpWriteRsp:
		return "write-rsp"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Response returns the response op matching a request op.
func (o Op) Response() Op {
	switch o {
	case OpRead:
		return OpReadRsp
	case OpWrite:
		return OpWriteRsp
	default:
		return o
	}
}

// Header is the fixed command header that prefixes every SMP packet.
//
// Wire layout (big-endian):
//
//	byte 0    : reserved(3) | version(2) | op(3)
//	byte 1    : flags
//	bytes 2-3 : payload length
//	bytes 4-5 : group id
//	byte 6    : sequence number
//	byte 7    : command id
type Header struct {
	Version uint8
	Op      Op
	Flags   uint8
	Length  uint16
	Group   Group
	Seq     uint8
	ID      uint8
}

// Encode returns the 8-byte wire form of the header.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	b[0] = (h.Version&0x03)<<3 | uint8(h.Op)&0x07
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint16(b[4:6], uint16(h.Group))
	b[6] = h.Seq
	b[7] = h.ID
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedHeader, HeaderSize, len(b))
	}
	return Header{
		Version: (b[0] >> 3) & 0x03,
		Op:      Op(b[0] & 0x07),
		Flags:   b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
		Group:   Group(binary.BigEndian.Uint16(b[4:6])),
		Seq:     b[6],
		ID:      b[7],
	}, nil
}

func (h Header) String() string {
	return fmt.Sprintf("%s group=%s id=%d seq=%d len=%d flags=0x%02x",
		h.Op, h.Group, h.ID, h.Seq, h.Length, h.Flags)
}
