// Package serial carries SMP packets over a UART console using the SMP
// console framing: base64 lines marked 0x06 0x09 (first) and 0x04 0x14
// (continuation), with a big-endian length prefix and a CRC16 trailer.
package serial

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	frameStart = []byte{0x06, 0x09}
	frameCont  = []byte{0x04, 0x14}
)

// MaxLineData is the number of base64 characters carried by one line.
const MaxLineData = 124

// ErrCRC is returned when a decoded frame fails its checksum.
var ErrCRC = errors.New("frame crc mismatch")

// CRC16 computes CRC-16/XMODEM (poly 0x1021, init 0).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Encode frames one packet as console lines, each ending in '\n'.
func Encode(packet []byte) []byte {
	raw := make([]byte, 2, len(packet)+4)
	binary.BigEndian.PutUint16(raw, uint16(len(packet)+2))
	raw = append(raw, packet...)
	raw = binary.BigEndian.AppendUint16(raw, CRC16(packet))

	text := base64.StdEncoding.EncodeToString(raw)

	var out bytes.Buffer
	for i := 0; i < len(text); i += MaxLineData {
		if i == 0 {
			out.Write(frameStart)
		} else {
			out.Write(frameCont)
		}
		out.WriteString(text[i:min(i+MaxLineData, len(text))])
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// Decoder rebuilds packets from console lines. Lines without a frame
// marker are ordinary console output and are skipped.
type Decoder struct {
	text    bytes.Buffer
	started bool
}

// Feed consumes one line, with or without its trailing newline. It returns
// the packet once a frame is complete.
func (d *Decoder) Feed(line []byte) ([]byte, bool, error) {
	line = bytes.TrimRight(line, "\r\n")
	switch {
	case bytes.HasPrefix(line, frameStart):
		d.Reset()
		d.started = true
	case bytes.HasPrefix(line, frameCont) && d.started:
	default:
		return nil, false, nil
	}
	d.text.Write(line[2:])

	// Partial base64 quanta cannot be decoded yet.
	usable := d.text.Len() / 4 * 4
	raw, err := base64.StdEncoding.DecodeString(string(d.text.Bytes()[:usable]))
	if err != nil {
		d.Reset()
		return nil, false, fmt.Errorf("decode frame: %w", err)
	}
	if len(raw) < 2 {
		return nil, false, nil
	}
	want := int(binary.BigEndian.Uint16(raw))
	if len(raw)-2 < want {
		return nil, false, nil
	}
	d.Reset()

	if want < 2 {
		return nil, false, fmt.Errorf("decode frame: length %d too short", want)
	}
	body := raw[2 : 2+want]
	packet, sum := body[:want-2], binary.BigEndian.Uint16(body[want-2:])
	if CRC16(packet) != sum {
		return nil, false, ErrCRC
	}
	return packet, true, nil
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.text.Reset()
	d.started = false
}
