package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CoAP message types and codes used by SMP.
const (
	coapVersion = 1

	coapConfirmable    = 0
	coapNonConfirmable = 1
	coapAck            = 2
	coapReset          = 3

	coapGet = 0x01
	coapPut = 0x03

	optURIPath       = 11
	optContentFormat = 12

	contentFormatCBOR = 60
	payloadMarker     = 0xff
)

// resource is the URI path of the SMP endpoint.
const resource = "omgr"

var errShortMessage = errors.New("coap: message too short")

// coapMessage is the subset of RFC 7252 SMP needs.
type coapMessage struct {
	Type      uint8
	Code      uint8
	MessageID uint16
	Token     []byte
	Payload   []byte
}

// envelopeOverhead is the encoded size of a request around its payload.
func envelopeOverhead(tokenLen int) int {
	return 4 + tokenLen + 1 + len(resource) + 2 + 1
}

func (m coapMessage) class() uint8  { return m.Code >> 5 }
func (m coapMessage) detail() uint8 { return m.Code & 0x1f }

// marshal encodes a request carrying the SMP resource options.
func (m coapMessage) marshal() []byte {
	out := make([]byte, 0, envelopeOverhead(len(m.Token))+len(m.Payload))
	out = append(out, coapVersion<<6|m.Type<<4|uint8(len(m.Token)), m.Code)
	out = binary.BigEndian.AppendUint16(out, m.MessageID)
	out = append(out, m.Token...)

	out = append(out, optURIPath<<4|uint8(len(resource)))
	out = append(out, resource...)
	out = append(out, (optContentFormat-optURIPath)<<4|1, contentFormatCBOR)

	if len(m.Payload) > 0 {
		out = append(out, payloadMarker)
		out = append(out, m.Payload...)
	}
	return out
}

// parseCoap decodes a message, skipping its options.
func parseCoap(b []byte) (coapMessage, error) {
	if len(b) < 4 {
		return coapMessage{}, errShortMessage
	}
	if v := b[0] >> 6; v != coapVersion {
		return coapMessage{}, fmt.Errorf("coap: version %d", v)
	}
	m := coapMessage{
		Type:      b[0] >> 4 & 0x3,
		Code:      b[1],
		MessageID: binary.BigEndian.Uint16(b[2:4]),
	}
	tkl := int(b[0] & 0xf)
	if tkl > 8 || len(b) < 4+tkl {
		return coapMessage{}, fmt.Errorf("coap: bad token length %d", tkl)
	}
	m.Token = b[4 : 4+tkl]

	rest := b[4+tkl:]
	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			m.Payload = rest[1:]
			return m, nil
		}
		delta, length := int(rest[0]>>4), int(rest[0]&0xf)
		rest = rest[1:]
		var err error
		if _, rest, err = optionField(delta, rest); err != nil {
			return coapMessage{}, err
		}
		if length, rest, err = optionField(length, rest); err != nil {
			return coapMessage{}, err
		}
		if len(rest) < length {
			return coapMessage{}, errShortMessage
		}
		rest = rest[length:]
	}
	return m, nil
}

// optionField resolves the extended forms of an option delta or length.
func optionField(v int, rest []byte) (int, []byte, error) {
	switch v {
	case 13:
		if len(rest) < 1 {
			return 0, nil, errShortMessage
		}
		return int(rest[0]) + 13, rest[1:], nil
	case 14:
		if len(rest) < 2 {
			return 0, nil, errShortMessage
		}
		return int(binary.BigEndian.Uint16(rest)) + 269, rest[2:], nil
	case 15:
		return 0, nil, errors.New("coap: reserved option nibble")
	}
	return v, rest, nil
}
